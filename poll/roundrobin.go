// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"time"

	"github.com/absmach/fluxpoll/queue"
)

var _ Strategy = (*RoundRobin)(nil)

// RoundRobin drains partition queues in turn.
//
// Every poll first checks the group queue without blocking, then visits
// each partition queue once without blocking, starting after the partition
// the previous poll stopped at, and finally blocks on the group queue for
// the caller's timeout. Over any run of polls at least as long as the
// number of partitions, every partition is tried before any is tried twice.
type RoundRobin struct {
	base *Base

	// cursor indexes registry; it is reset whenever the base publishes a
	// new registry.
	registry *queue.Registry
	cursor   int
}

// NewRoundRobin creates a round-robin strategy bound to c. The returned
// strategy must be closed to restore the consumer's default forwarding.
func NewRoundRobin(c Consumer, opts ...Option) (*RoundRobin, error) {
	base, err := NewBase(c, opts...)
	if err != nil {
		return nil, err
	}
	s := &RoundRobin{base: base}
	s.Reset()
	return s, nil
}

// Poll returns one message using the consumer's default timeout.
func (s *RoundRobin) Poll() (*queue.Message, error) {
	return s.PollTimeout(s.base.Consumer().Timeout())
}

// PollTimeout returns one message, or nil if none arrived within timeout.
// It returns ErrNoAssignment if the group queue is empty and no partition
// is assigned.
func (s *RoundRobin) PollTimeout(timeout time.Duration) (*queue.Message, error) {
	if s.base.Closed() {
		return nil, ErrClosed
	}
	metrics := s.base.Metrics()
	group := s.base.ConsumerQueue()

	// Group events always go first.
	if msg := group.Consume(0); msg != nil {
		metrics.RecordMessages(SourceGroup, 1)
		return msg, nil
	}

	registry := s.current()
	if registry.Empty() {
		metrics.RecordError("no_assignment")
		return nil, ErrNoAssignment
	}
	for range registry.Len() {
		if msg := s.next(registry).Queue.Consume(0); msg != nil {
			metrics.RecordMessages(SourcePartition, 1)
			return msg, nil
		}
	}

	if msg := group.Consume(max(timeout, 0)); msg != nil {
		metrics.RecordMessages(SourceGroup, 1)
		return msg, nil
	}
	metrics.RecordEmpty("single")
	return nil, nil
}

// PollBatch returns up to max messages using the consumer's default timeout.
func (s *RoundRobin) PollBatch(max int) ([]*queue.Message, error) {
	return s.PollBatchTimeout(max, s.base.Consumer().Timeout())
}

// PollBatchTimeout returns up to maxSize messages: group queue messages
// first, then each partition queue once in rotation order, then whatever
// arrives on the group queue within timeout. Each queue's own order is
// preserved.
func (s *RoundRobin) PollBatchTimeout(maxSize int, timeout time.Duration) ([]*queue.Message, error) {
	if s.base.Closed() {
		return nil, ErrClosed
	}
	if maxSize <= 0 {
		return nil, nil
	}
	metrics := s.base.Metrics()
	group := s.base.ConsumerQueue()

	msgs := make([]*queue.Message, 0, min(maxSize, 64))
	remaining := maxSize

	metrics.RecordMessages(SourceGroup, ConsumeBatchInto(group, &msgs, &remaining, 0))
	if remaining == 0 {
		metrics.RecordBatch(len(msgs))
		return msgs, nil
	}

	registry := s.current()
	if registry.Empty() {
		if len(msgs) > 0 {
			metrics.RecordBatch(len(msgs))
			return msgs, nil
		}
		metrics.RecordError("no_assignment")
		return nil, ErrNoAssignment
	}
	for i := 0; i < registry.Len() && remaining > 0; i++ {
		n := ConsumeBatchInto(s.next(registry).Queue, &msgs, &remaining, 0)
		metrics.RecordMessages(SourcePartition, n)
	}

	if remaining > 0 {
		metrics.RecordMessages(SourceGroup, ConsumeBatchInto(group, &msgs, &remaining, max(timeout, 0)))
	}

	if len(msgs) == 0 {
		metrics.RecordEmpty("batch")
	}
	metrics.RecordBatch(len(msgs))
	return msgs, nil
}

// Reset points the cursor at the first partition of the current registry.
func (s *RoundRobin) Reset() {
	s.registry = s.base.PartitionQueues()
	s.cursor = 0
}

// Close restores forwarding for every registered partition queue.
func (s *RoundRobin) Close() error {
	return s.base.Close()
}

// Partitions returns the partitions currently drained individually, in
// rotation order.
func (s *RoundRobin) Partitions() []queue.TopicPartition {
	return s.base.PartitionQueues().Partitions()
}

// current returns the registry to rotate over, resetting the cursor if the
// assignment changed since the last poll.
func (s *RoundRobin) current() *queue.Registry {
	if r := s.base.PartitionQueues(); r != s.registry {
		s.registry = r
		s.cursor = 0
	}
	return s.registry
}

// next advances the cursor, wrapping after the last entry, and returns the
// entry it lands on. registry must not be empty.
func (s *RoundRobin) next(registry *queue.Registry) queue.Entry {
	s.cursor = (s.cursor + 1) % registry.Len()
	return registry.At(s.cursor)
}
