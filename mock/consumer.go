// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mock

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/queue"
	"github.com/google/uuid"
)

// ErrNotAssigned is returned for partitions outside the current assignment.
var ErrNotAssigned = errors.New("partition not assigned")

var _ poll.Consumer = (*Consumer)(nil)

// Default consumer settings.
const (
	DefaultGroupID   = "mock-group"
	DefaultTimeout   = time.Second
	DefaultQueueSize = 0
)

// ConsumerConfig configures a mock consumer.
type ConsumerConfig struct {
	GroupID   string
	Timeout   time.Duration
	QueueSize int // Per-queue capacity; zero means unbounded.
	Logger    *slog.Logger
}

// Consumer is a group member of a mock Cluster. Each assigned partition
// gets its own queue, which forwards into the group queue by default.
type Consumer struct {
	id      string
	cluster *Cluster
	cfg     ConsumerConfig
	group   *queue.Memory
	logger  *slog.Logger

	mu         sync.Mutex
	assignment []queue.TopicPartition
	queues     map[queue.TopicPartition]*queue.Memory
	listeners  map[int]poll.RebalanceFunc
	nextID     int
	closed     bool
}

// NewConsumer creates a consumer with an empty assignment.
func NewConsumer(cluster *Cluster, cfg ConsumerConfig) *Consumer {
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultGroupID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	return &Consumer{
		id:        id,
		cluster:   cluster,
		cfg:       cfg,
		group:     queue.NewMemory(cfg.GroupID, cfg.QueueSize),
		logger:    logger.With("consumer_id", id, "group_id", cfg.GroupID),
		queues:    make(map[queue.TopicPartition]*queue.Memory),
		listeners: make(map[int]poll.RebalanceFunc),
	}
}

// ID returns the member ID.
func (c *Consumer) ID() string {
	return c.id
}

// Assignment returns the assigned partitions in assignment order.
func (c *Consumer) Assignment() []queue.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.assignment)
}

// Timeout returns the default poll timeout.
func (c *Consumer) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Queue returns the group queue.
func (c *Consumer) Queue() queue.Queue {
	return c.group
}

// PartitionQueue returns the queue of an assigned partition.
func (c *Consumer) PartitionQueue(tp queue.TopicPartition) (queue.Queue, error) {
	q, err := c.partitionQueue(tp)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Memory returns the concrete queue of an assigned partition.
func (c *Consumer) Memory(tp queue.TopicPartition) (*queue.Memory, error) {
	return c.partitionQueue(tp)
}

// OnRebalance registers fn for assignment changes.
func (c *Consumer) OnRebalance(fn poll.RebalanceFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Subscribe assigns every partition of the given topics.
func (c *Consumer) Subscribe(topics ...string) error {
	var tps []queue.TopicPartition
	for _, topic := range topics {
		parts, err := c.cluster.Partitions(topic)
		if err != nil {
			return err
		}
		tps = append(tps, parts...)
	}
	return c.Assign(tps)
}

// Assign replaces the assignment with tps. The previous assignment is
// revoked first. Listeners see the new partition queues before any message
// is delivered to them.
func (c *Consumer) Assign(tps []queue.TopicPartition) error {
	for _, tp := range tps {
		if err := c.cluster.validate(tp); err != nil {
			return err
		}
	}
	if err := c.Unassign(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return queue.ErrClosed
	}
	assignment := make([]queue.TopicPartition, 0, len(tps))
	for _, tp := range tps {
		if _, ok := c.queues[tp]; ok {
			continue
		}
		q := queue.NewMemory(tp.String(), c.cfg.QueueSize)
		if err := q.ForwardTo(c.group); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("forward %s: %w", tp, err)
		}
		c.queues[tp] = q
		assignment = append(assignment, tp)
	}
	c.assignment = assignment
	c.mu.Unlock()

	c.notify(poll.RebalanceEvent{Type: poll.Assigned, Partitions: slices.Clone(assignment)})

	var errs []error
	for _, tp := range assignment {
		q, err := c.partitionQueue(tp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.cluster.attach(c.cfg.GroupID, c.id, tp, q); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Debug("Partitions assigned", "partitions", len(assignment))
	return errors.Join(errs...)
}

// Unassign revokes every assigned partition.
func (c *Consumer) Unassign() error {
	c.mu.Lock()
	revoked := c.assignment
	c.mu.Unlock()

	if len(revoked) == 0 {
		return nil
	}

	c.notify(poll.RebalanceEvent{Type: poll.Revoked, Partitions: slices.Clone(revoked)})

	c.mu.Lock()
	for _, tp := range revoked {
		c.cluster.detach(c.id, tp)
		if q, ok := c.queues[tp]; ok {
			q.Close()
			delete(c.queues, tp)
		}
	}
	c.assignment = nil
	c.mu.Unlock()

	c.logger.Debug("Partitions revoked", "partitions", len(revoked))
	return nil
}

// PushEvent places a group event on the group queue.
func (c *Consumer) PushEvent(msg *queue.Message) error {
	return c.group.Push(msg)
}

// PushError places an error marker on the group queue.
func (c *Consumer) PushError(err error) error {
	return c.group.Push(&queue.Message{Err: err, Timestamp: time.Now()})
}

// Close revokes the assignment and closes the group queue.
func (c *Consumer) Close() error {
	if err := c.Unassign(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.group.Close()
}

func (c *Consumer) partitionQueue(tp queue.TopicPartition) (*queue.Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[tp]
	if !ok {
		return nil, fmt.Errorf("%s: %w", tp, ErrNotAssigned)
	}
	return q, nil
}

// notify runs listeners without holding the consumer lock, since they call
// back into the consumer.
func (c *Consumer) notify(ev poll.RebalanceEvent) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]poll.RebalanceFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
