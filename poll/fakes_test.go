// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll_test

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/queue"
)

// recordingQueue records the timeout of every read made on it.
type recordingQueue struct {
	*queue.Memory

	mu          sync.Mutex
	timeouts    []time.Duration
	forwardErr  error
	disableErr  error
	forwardings int
}

func newRecordingQueue(name string) *recordingQueue {
	return &recordingQueue{Memory: queue.NewMemory(name, 0)}
}

func (q *recordingQueue) Consume(timeout time.Duration) *queue.Message {
	q.record(timeout)
	return q.Memory.Consume(timeout)
}

func (q *recordingQueue) ConsumeBatch(max int, timeout time.Duration) []*queue.Message {
	q.record(timeout)
	return q.Memory.ConsumeBatch(max, timeout)
}

func (q *recordingQueue) ForwardTo(dst queue.Queue) error {
	q.mu.Lock()
	q.forwardings++
	err := q.forwardErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.Memory.ForwardTo(dst)
}

func (q *recordingQueue) DisableForwarding() error {
	if q.disableErr != nil {
		return q.disableErr
	}
	return q.Memory.DisableForwarding()
}

func (q *recordingQueue) record(timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timeouts = append(q.timeouts, timeout)
}

func (q *recordingQueue) reads() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.timeouts)
}

func (q *recordingQueue) resetReads() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timeouts = nil
}

func (q *recordingQueue) push(offsets ...int64) {
	for _, off := range offsets {
		if err := q.Push(&queue.Message{Topic: q.Name(), Offset: off}); err != nil {
			panic(err)
		}
	}
}

// fakeConsumer is a poll.Consumer whose assignment is driven by the test.
type fakeConsumer struct {
	group    *recordingQueue
	timeout  time.Duration
	order    []queue.TopicPartition
	queues   map[queue.TopicPartition]*recordingQueue
	listener poll.RebalanceFunc
}

func newFakeConsumer(partitions int) *fakeConsumer {
	c := &fakeConsumer{
		group:   newRecordingQueue("group"),
		timeout: 20 * time.Millisecond,
		queues:  make(map[queue.TopicPartition]*recordingQueue),
	}
	for i := 0; i < partitions; i++ {
		c.add(tp(i))
	}
	return c
}

func tp(i int) queue.TopicPartition {
	return queue.TopicPartition{Topic: "t", Partition: int32(i)}
}

func (c *fakeConsumer) add(p queue.TopicPartition) *recordingQueue {
	q := newRecordingQueue(p.String())
	if err := q.Memory.ForwardTo(c.group); err != nil {
		panic(err)
	}
	c.queues[p] = q
	c.order = append(c.order, p)
	return q
}

func (c *fakeConsumer) Assignment() []queue.TopicPartition {
	return slices.Clone(c.order)
}

func (c *fakeConsumer) Timeout() time.Duration {
	return c.timeout
}

func (c *fakeConsumer) Queue() queue.Queue {
	return c.group
}

func (c *fakeConsumer) PartitionQueue(p queue.TopicPartition) (queue.Queue, error) {
	q, ok := c.queues[p]
	if !ok {
		return nil, fmt.Errorf("%s not assigned", p)
	}
	return q, nil
}

func (c *fakeConsumer) OnRebalance(fn poll.RebalanceFunc) func() {
	c.listener = fn
	return func() { c.listener = nil }
}

func (c *fakeConsumer) assign(tps ...queue.TopicPartition) {
	for _, p := range tps {
		c.add(p)
	}
	if c.listener != nil {
		c.listener(poll.RebalanceEvent{Type: poll.Assigned, Partitions: tps})
	}
}

func (c *fakeConsumer) revoke(tps ...queue.TopicPartition) {
	if c.listener != nil {
		c.listener(poll.RebalanceEvent{Type: poll.Revoked, Partitions: tps})
	}
	for _, p := range tps {
		delete(c.queues, p)
		c.order = slices.DeleteFunc(c.order, func(o queue.TopicPartition) bool { return o == p })
	}
}

func (c *fakeConsumer) partition(i int) *recordingQueue {
	return c.queues[tp(i)]
}

func (c *fakeConsumer) resetReads() {
	c.group.resetReads()
	for _, q := range c.queues {
		q.resetReads()
	}
}
