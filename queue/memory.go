// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"sync"
	"time"
)

var _ interface {
	Queue
	Sink
} = (*Memory)(nil)

// Memory is an in-memory FIFO queue that can forward its contents into
// another queue. Transports push into it from their own goroutines; readers
// block on it for at most the requested timeout.
type Memory struct {
	mu      sync.Mutex
	name    string
	msgs    []*Message
	maxSize int
	forward Queue
	ready   chan struct{}
	closed  bool
}

// NewMemory creates a new memory queue. A maxSize of zero or less means
// the queue is unbounded.
func NewMemory(name string, maxSize int) *Memory {
	return &Memory{
		name:    name,
		msgs:    make([]*Message, 0),
		maxSize: maxSize,
	}
}

// Name returns the queue name.
func (q *Memory) Name() string {
	return q.name
}

// Push appends messages to the queue, or hands them to the forwarding
// destination if forwarding is enabled.
func (q *Memory) Push(msgs ...*Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("push to %s: %w", q.name, ErrClosed)
	}
	if q.forward != nil {
		return q.forward.(Sink).Push(msgs...)
	}
	if q.maxSize > 0 && len(q.msgs)+len(msgs) > q.maxSize {
		return fmt.Errorf("push %d messages to %s (current: %d, max: %d): %w",
			len(msgs), q.name, len(q.msgs), q.maxSize, ErrQueueFull)
	}

	q.msgs = append(q.msgs, msgs...)
	q.signalUnlocked()
	return nil
}

// Consume returns the next message, waiting up to timeout for one to arrive.
func (q *Memory) Consume(timeout time.Duration) *Message {
	msgs := q.ConsumeBatch(1, timeout)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[0]
}

// ConsumeBatch returns up to max buffered messages, waiting up to timeout
// for the first one to arrive.
func (q *Memory) ConsumeBatch(max int, timeout time.Duration) []*Message {
	if max <= 0 {
		return nil
	}

	var timer *time.Timer
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 || q.closed || timeout <= 0 {
			msgs := q.takeUnlocked(max)
			q.mu.Unlock()
			return msgs
		}
		if q.ready == nil {
			q.ready = make(chan struct{})
		}
		ready := q.ready
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-ready:
		case <-timer.C:
			q.mu.Lock()
			msgs := q.takeUnlocked(max)
			q.mu.Unlock()
			return msgs
		}
	}
}

// ForwardTo moves every buffered message into dst and forwards future
// pushes there. dst must accept pushed messages.
func (q *Memory) ForwardTo(dst Queue) error {
	if _, ok := dst.(Sink); !ok {
		return fmt.Errorf("forward %s: %w", q.name, ErrUnsupportedForward)
	}
	for next := dst; next != nil; {
		if next == Queue(q) {
			return fmt.Errorf("forward %s: %w", q.name, ErrForwardLoop)
		}
		m, ok := next.(*Memory)
		if !ok {
			break
		}
		next = m.forwardTarget()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) > 0 {
		if err := dst.(Sink).Push(q.msgs...); err != nil {
			return fmt.Errorf("forward %s: %w", q.name, err)
		}
		q.msgs = make([]*Message, 0)
	}
	q.forward = dst
	return nil
}

// DisableForwarding stops forwarding; later pushes stay in this queue.
func (q *Memory) DisableForwarding() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.forward = nil
	return nil
}

// Forwarding reports whether the queue currently forwards its messages.
func (q *Memory) Forwarding() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forward != nil
}

// Len returns the number of buffered messages.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close wakes blocked readers and rejects further pushes. Messages already
// buffered can still be consumed.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signalUnlocked()
	return nil
}

func (q *Memory) forwardTarget() Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forward
}

func (q *Memory) takeUnlocked(max int) []*Message {
	n := min(max, len(q.msgs))
	if n == 0 {
		return nil
	}
	out := make([]*Message, n)
	copy(out, q.msgs[:n])
	q.msgs = q.msgs[n:]
	return out
}

func (q *Memory) signalUnlocked() {
	if q.ready != nil {
		close(q.ready)
		q.ready = nil
	}
}
