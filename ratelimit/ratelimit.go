// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles message handling per partition.
package ratelimit

import (
	"context"
	"sync"

	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/queue"
	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per partition
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Rate:    1000,
		Burst:   100,
	}
}

// PartitionLimiter keeps one token bucket per partition. A nil
// *PartitionLimiter allows everything.
type PartitionLimiter struct {
	mu       sync.Mutex
	limiters map[queue.TopicPartition]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New returns a limiter for cfg, or nil if rate limiting is disabled.
func New(cfg Config) *PartitionLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewPartitionLimiter(cfg.Rate, cfg.Burst)
}

// NewPartitionLimiter creates a limiter allowing r messages per second per
// partition with the given burst.
func NewPartitionLimiter(r float64, burst int) *PartitionLimiter {
	return &PartitionLimiter{
		limiters: make(map[queue.TopicPartition]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether a message from tp may be handled now.
func (l *PartitionLimiter) Allow(tp queue.TopicPartition) bool {
	if l == nil {
		return true
	}
	return l.limiter(tp).Allow()
}

// Wait blocks until a message from tp may be handled or ctx is done.
func (l *PartitionLimiter) Wait(ctx context.Context, tp queue.TopicPartition) error {
	if l == nil {
		return nil
	}
	return l.limiter(tp).Wait(ctx)
}

// Remove drops the buckets of tps.
func (l *PartitionLimiter) Remove(tps ...queue.TopicPartition) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tp := range tps {
		delete(l.limiters, tp)
	}
}

// Rebalance drops the buckets of partitions the consumer no longer owns.
// It is meant to be registered with Consumer.OnRebalance.
func (l *PartitionLimiter) Rebalance(ev poll.RebalanceEvent) {
	if ev.Type == poll.Revoked || ev.Type == poll.Lost {
		l.Remove(ev.Partitions...)
	}
}

// Len returns the number of partitions with a bucket.
func (l *PartitionLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *PartitionLimiter) limiter(tp queue.TopicPartition) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[tp]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[tp] = limiter
	}
	return limiter
}
