// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"time"

	"github.com/absmach/fluxpoll/queue"
)

// RebalanceType describes a change to the consumer's partition assignment.
type RebalanceType int

const (
	Assigned RebalanceType = iota
	Revoked
	Lost
)

func (t RebalanceType) String() string {
	switch t {
	case Assigned:
		return "assigned"
	case Revoked:
		return "revoked"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// RebalanceEvent reports partitions added to or removed from the assignment.
type RebalanceEvent struct {
	Type       RebalanceType
	Partitions []queue.TopicPartition
}

// RebalanceFunc is invoked for every assignment change. It is called
// synchronously by the consumer before the change becomes visible to reads.
type RebalanceFunc func(RebalanceEvent)

// Consumer is the broker client a strategy drains.
type Consumer interface {
	// Assignment returns the currently assigned partitions in order.
	Assignment() []queue.TopicPartition

	// Timeout returns the default poll timeout.
	Timeout() time.Duration

	// Queue returns the group queue carrying group events and, by default,
	// every forwarded partition queue.
	Queue() queue.Queue

	// PartitionQueue returns the queue of an assigned partition.
	PartitionQueue(tp queue.TopicPartition) (queue.Queue, error)

	// OnRebalance registers fn for assignment changes. The returned function
	// unregisters it.
	OnRebalance(fn RebalanceFunc) (unregister func())
}
