// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"time"
)

var (
	// ErrState is returned when an operation is attempted in a state that
	// does not allow it.
	ErrState              = errors.New("invalid state")
	ErrClosed             = errors.New("queue closed")
	ErrQueueFull          = errors.New("queue full")
	ErrForwardLoop        = errors.New("forwarding would create a loop")
	ErrUnsupportedForward = errors.New("forwarding destination does not accept messages")
)

// Queue is a single logical message queue.
//
// A timeout of zero or less makes a read non-blocking. Reads never fail:
// transport errors are delivered as messages with Err set.
type Queue interface {
	// Consume returns at most one message, or nil if none arrived in time.
	Consume(timeout time.Duration) *Message

	// ConsumeBatch returns up to max messages in delivery order. It returns
	// as soon as at least one message is ready or the timeout elapses.
	ConsumeBatch(max int, timeout time.Duration) []*Message

	// ForwardTo redirects buffered and future messages into dst.
	ForwardTo(dst Queue) error

	// DisableForwarding keeps future messages in this queue.
	DisableForwarding() error
}

// Sink accepts messages pushed by a transport or a forwarding queue.
type Sink interface {
	Push(msgs ...*Message) error
}
