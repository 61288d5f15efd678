// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package kafka adapts a franz-go group consumer to the poll.Consumer
// interface. Fetched records are routed into per-partition queues which
// forward into the group queue until a poll strategy detaches them.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/queue"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Default consumer settings.
const (
	DefaultTimeout     = time.Second
	DefaultMaxBuffered = 10000

	backoff = 10 * time.Millisecond
)

var (
	ErrNoBrokers = errors.New("at least one broker address is required")
	ErrNoGroup   = errors.New("consumer group is required")
	ErrNoTopics  = errors.New("at least one topic is required")
)

// Client is the part of kgo.Client the consumer uses.
type Client interface {
	// PollFetches polls for new records from Kafka.
	PollFetches(ctx context.Context) kgo.Fetches

	// Close leaves the group and closes the client.
	Close()
}

var (
	_ Client        = (*kgo.Client)(nil)
	_ poll.Consumer = (*Consumer)(nil)
)

// Config configures a Kafka consumer.
type Config struct {
	Brokers []string
	GroupID string
	Topics  []string

	// Timeout is the default poll timeout.
	Timeout time.Duration

	// MaxBuffered bounds the number of fetched records held in queues.
	// The fetch loop waits for readers once the bound is reached.
	MaxBuffered int

	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	if c.GroupID == "" {
		return ErrNoGroup
	}
	if len(c.Topics) == 0 {
		return ErrNoTopics
	}
	return nil
}

// Consumer is a Kafka consumer group member.
type Consumer struct {
	id     string
	cfg    Config
	client Client
	group  *queue.Memory
	logger *slog.Logger

	mu         sync.Mutex
	assignment []queue.TopicPartition
	queues     map[queue.TopicPartition]*queue.Memory
	listeners  map[int]poll.RebalanceFunc
	nextID     int
	closed     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a consumer joined to cfg.GroupID and starts fetching.
// Extra options are passed to the underlying kgo client.
func New(cfg Config, opts ...kgo.Opt) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := newConsumer(cfg)
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
	}, opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	c.start(client)
	return c, nil
}

// NewWithClient creates a consumer on top of an existing client. The caller
// is responsible for routing the client's partition callbacks to the
// consumer, which New does itself.
func NewWithClient(cfg Config, client Client) *Consumer {
	c := newConsumer(cfg)
	c.start(client)
	return c
}

func newConsumer(cfg Config) *Consumer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	return &Consumer{
		id:        id,
		cfg:       cfg,
		group:     queue.NewMemory(cfg.GroupID, 0),
		logger:    logger.With("consumer_id", id, "group_id", cfg.GroupID),
		queues:    make(map[queue.TopicPartition]*queue.Memory),
		listeners: make(map[int]poll.RebalanceFunc),
		done:      make(chan struct{}),
	}
}

func (c *Consumer) start(client Client) {
	ctx, cancel := context.WithCancel(context.Background())
	c.client = client
	c.cancel = cancel
	go c.fetchLoop(ctx)
}

// ID returns the instance ID used in logs.
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
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[tp]
	if !ok {
		return nil, fmt.Errorf("%s: partition not assigned", tp)
	}
	return q, nil
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

// Close stops fetching, leaves the group and closes every queue. Records
// already buffered in the group queue can still be consumed.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	c.client.Close()

	// Partitions still held when the client is gone are revoked here.
	c.revoke(poll.Revoked, c.Assignment())

	c.logger.Info("Kafka consumer closed")
	return c.group.Close()
}

func (c *Consumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := partitions(assigned)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	added := make([]queue.TopicPartition, 0, len(tps))
	for _, tp := range tps {
		if _, ok := c.queues[tp]; ok {
			continue
		}
		q := queue.NewMemory(tp.String(), 0)
		if err := q.ForwardTo(c.group); err != nil {
			c.logger.Error("Failed to forward partition queue", "partition", tp.String(), "error", err)
			continue
		}
		c.queues[tp] = q
		c.assignment = append(c.assignment, tp)
		added = append(added, tp)
	}
	c.mu.Unlock()

	if len(added) == 0 {
		return
	}
	c.logger.Info("Partitions assigned", "partitions", len(added))
	c.notify(poll.RebalanceEvent{Type: poll.Assigned, Partitions: added})
}

func (c *Consumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.revoke(poll.Revoked, partitions(revoked))
}

func (c *Consumer) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	c.revoke(poll.Lost, partitions(lost))
}

// revoke notifies listeners before the partition queues go away, so any
// buffered records can be forwarded into the group queue first.
func (c *Consumer) revoke(t poll.RebalanceType, tps []queue.TopicPartition) {
	c.mu.Lock()
	owned := make([]queue.TopicPartition, 0, len(tps))
	for _, tp := range tps {
		if _, ok := c.queues[tp]; ok {
			owned = append(owned, tp)
		}
	}
	c.mu.Unlock()

	if len(owned) == 0 {
		return
	}
	c.notify(poll.RebalanceEvent{Type: t, Partitions: owned})

	c.mu.Lock()
	for _, tp := range owned {
		if q, ok := c.queues[tp]; ok {
			q.Close()
			delete(c.queues, tp)
		}
	}
	c.assignment = slices.DeleteFunc(c.assignment, func(tp queue.TopicPartition) bool {
		return slices.Contains(owned, tp)
	})
	c.mu.Unlock()

	c.logger.Info("Partitions "+t.String(), "partitions", len(owned))
}

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

func (c *Consumer) fetchLoop(ctx context.Context) {
	defer close(c.done)

	for {
		if !c.waitForRoom(ctx) {
			return
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("Fetch error", "topic", topic, "partition", partition, "error", err)
			msg := &queue.Message{Topic: topic, Partition: partition, Err: err, Timestamp: time.Now()}
			if err := c.group.Push(msg); err != nil {
				c.logger.Error("Failed to queue fetch error", "error", err)
			}
		})
		fetches.EachRecord(c.route)
	}
}

// route pushes a record into its partition queue, or into the group queue
// if the partition was revoked since the record was fetched.
func (c *Consumer) route(r *kgo.Record) {
	msg := toMessage(r)
	tp := msg.TopicPartition()

	c.mu.Lock()
	q, ok := c.queues[tp]
	c.mu.Unlock()

	if ok {
		err := q.Push(msg)
		if err == nil {
			return
		}
		if !errors.Is(err, queue.ErrClosed) {
			c.logger.Error("Failed to queue record", "partition", tp.String(), "offset", msg.Offset, "error", err)
			return
		}
	}
	if err := c.group.Push(msg); err != nil {
		c.logger.Error("Failed to queue record", "partition", tp.String(), "offset", msg.Offset, "error", err)
	}
}

// waitForRoom blocks while the queues hold MaxBuffered records or more.
// It returns false if ctx is done first.
func (c *Consumer) waitForRoom(ctx context.Context) bool {
	for c.buffered() >= c.cfg.MaxBuffered {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
	return ctx.Err() == nil
}

func (c *Consumer) buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.group.Len()
	for _, q := range c.queues {
		n += q.Len()
	}
	return n
}

func toMessage(r *kgo.Record) *queue.Message {
	msg := &queue.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		msg.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

// partitions flattens a kgo partition map in topic then partition order.
func partitions(m map[string][]int32) []queue.TopicPartition {
	topics := make([]string, 0, len(m))
	for topic := range m {
		topics = append(topics, topic)
	}
	slices.Sort(topics)

	var out []queue.TopicPartition
	for _, topic := range topics {
		parts := slices.Clone(m[topic])
		slices.Sort(parts)
		for _, p := range parts {
			out = append(out, queue.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}
