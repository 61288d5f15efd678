// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxpoll/queue"
)

// Strategy decides which queue a consumer drains next.
// Implementations are not safe for concurrent polls.
type Strategy interface {
	// Poll returns one message using the consumer's default timeout.
	Poll() (*queue.Message, error)

	// PollTimeout returns one message, or nil if none arrived within timeout.
	PollTimeout(timeout time.Duration) (*queue.Message, error)

	// PollBatch returns up to max messages using the consumer's default timeout.
	PollBatch(max int) ([]*queue.Message, error)

	// PollBatchTimeout returns up to max messages within timeout.
	PollBatchTimeout(max int, timeout time.Duration) ([]*queue.Message, error)

	// Reset moves the strategy back to its initial position.
	Reset()

	// Close restores default forwarding for every partition queue.
	Close() error
}

// Config holds the settings shared by every strategy.
type Config struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// Option configures a strategy.
type Option func(*Config)

// WithLogger sets the strategy logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics the strategy records into.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// ConsumeBatchInto reads up to *remaining messages from q within timeout,
// appends them to out in the order q returned them and decrements
// *remaining by the number read. It returns that number.
func ConsumeBatchInto(q queue.Queue, out *[]*queue.Message, remaining *int, timeout time.Duration) int {
	if *remaining <= 0 {
		return 0
	}
	msgs := q.ConsumeBatch(*remaining, timeout)
	if len(msgs) == 0 {
		return 0
	}
	*out = append(*out, msgs...)
	*remaining -= len(msgs)
	return len(msgs)
}

// Base owns the consumer's group queue and the registry of individually
// drained partition queues. Concrete strategies compose it.
//
// While a Base is open every registered partition queue has forwarding
// disabled. Close turns forwarding back on.
type Base struct {
	consumer Consumer
	group    queue.Queue
	logger   *slog.Logger
	metrics  *Metrics

	mu         sync.Mutex
	registry   *queue.Registry
	unregister func()
	closed     bool
}

// NewBase detaches the queues of every partition currently assigned to c
// and follows later assignment changes.
func NewBase(c Consumer, opts ...Option) (*Base, error) {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	group := c.Queue()
	if group == nil {
		return nil, errors.New("consumer has no group queue")
	}

	b := &Base{
		consumer: c,
		group:    group,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.unregister = c.OnRebalance(b.handleRebalance)

	entries, err := b.detach(c.Assignment())
	if err != nil {
		b.unregister()
		return nil, err
	}
	registry, err := queue.NewRegistry(entries...)
	if err != nil {
		b.unregister()
		_ = b.restore(entries)
		return nil, fmt.Errorf("failed to build partition registry: %w", err)
	}
	b.registry = registry
	b.metrics.RecordPartitions(registry.Len())

	return b, nil
}

// Consumer returns the consumer the strategy drains.
func (b *Base) Consumer() Consumer {
	return b.consumer
}

// ConsumerQueue returns the group queue.
func (b *Base) ConsumerQueue() queue.Queue {
	return b.group
}

// PartitionQueues returns the current partition registry.
func (b *Base) PartitionQueues() *queue.Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry
}

// Logger returns the strategy logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// Metrics returns the strategy metrics, which may be nil.
func (b *Base) Metrics() *Metrics {
	return b.metrics
}

// Closed reports whether Close has been called.
func (b *Base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close restores forwarding into the group queue for every partition queue
// in the registry. A failure on one queue does not stop the others; all
// failures are returned joined. Close is idempotent.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	unregister := b.unregister
	b.mu.Unlock()

	if unregister != nil {
		unregister()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.registry.Entries()
	err := b.restore(entries)
	b.registry, _ = queue.NewRegistry()
	b.metrics.RecordPartitions(-len(entries))

	b.logger.Debug("Poll strategy closed", "partitions", len(entries))
	return err
}

func (b *Base) handleRebalance(ev RebalanceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	before := b.registry.Len()
	switch ev.Type {
	case Assigned:
		added := make([]queue.TopicPartition, 0, len(ev.Partitions))
		for _, tp := range ev.Partitions {
			if _, ok := b.registry.Get(tp); !ok {
				added = append(added, tp)
			}
		}
		entries, err := b.detach(added)
		if err != nil {
			b.logger.Error("Failed to detach assigned partitions", "partitions", len(added), "error", err)
			b.metrics.RecordError("detach")
			return
		}
		registry, err := b.registry.With(entries...)
		if err != nil {
			_ = b.restore(entries)
			b.logger.Error("Failed to rebuild partition registry", "error", err)
			b.metrics.RecordError("registry")
			return
		}
		b.registry = registry
	case Revoked, Lost:
		removed := make([]queue.Entry, 0, len(ev.Partitions))
		for _, tp := range ev.Partitions {
			if q, ok := b.registry.Get(tp); ok {
				removed = append(removed, queue.Entry{Partition: tp, Queue: q})
			}
		}
		// Revoked queues go back to forwarding before the strategy forgets them.
		if err := b.restore(removed); err != nil {
			b.logger.Warn("Failed to restore forwarding for revoked partitions", "error", err)
		}
		b.registry = b.registry.Without(ev.Partitions...)
	}

	b.metrics.RecordRebalance(ev.Type, b.registry.Len()-before)
	b.logger.Debug("Partition registry rebuilt",
		"event", ev.Type.String(),
		"partitions", len(ev.Partitions),
		"registered", b.registry.Len())
}

// detach fetches and disables forwarding on the queues of tps. On failure
// the queues already detached are restored.
func (b *Base) detach(tps []queue.TopicPartition) ([]queue.Entry, error) {
	entries := make([]queue.Entry, 0, len(tps))
	for _, tp := range tps {
		q, err := b.consumer.PartitionQueue(tp)
		if err == nil {
			err = q.DisableForwarding()
		}
		if err != nil {
			_ = b.restore(entries)
			return nil, fmt.Errorf("failed to detach partition %s: %w", tp, err)
		}
		entries = append(entries, queue.Entry{Partition: tp, Queue: q})
	}
	return entries, nil
}

// restore forwards every queue in entries into the group queue, attempting
// all of them regardless of individual failures.
func (b *Base) restore(entries []queue.Entry) error {
	var errs []error
	for _, e := range entries {
		if err := e.Queue.ForwardTo(b.group); err != nil {
			b.logger.Warn("Failed to restore forwarding",
				"partition", e.Partition.String(),
				"error", err)
			b.metrics.RecordError("restore_forwarding")
			errs = append(errs, fmt.Errorf("partition %s: %w", e.Partition, err))
		}
	}
	return errors.Join(errs...)
}
