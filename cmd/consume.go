// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/queue"
	"github.com/absmach/fluxpoll/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const idleBackoff = 100 * time.Millisecond

// handlerFunc processes one message from the strategy.
type handlerFunc func(ctx context.Context, msg *queue.Message) error

// runner drives a poll strategy until its context is done.
type runner struct {
	strategy  poll.Strategy
	batchSize int
	timeout   time.Duration
	limiter   *ratelimit.PartitionLimiter
	tracer    trace.Tracer
	logger    *slog.Logger
	handle    handlerFunc
}

func (r *runner) run(ctx context.Context) error {
	for ctx.Err() == nil {
		msgs, err := r.strategy.PollBatchTimeout(r.batchSize, r.timeout)
		switch {
		case errors.Is(err, poll.ErrClosed):
			return nil
		case errors.Is(err, poll.ErrNoAssignment):
			r.logger.Debug("Waiting for partition assignment")
			select {
			case <-ctx.Done():
			case <-time.After(idleBackoff):
			}
			continue
		case err != nil:
			return err
		}
		if len(msgs) > 0 {
			r.process(ctx, msgs)
		}
	}
	return nil
}

func (r *runner) process(ctx context.Context, msgs []*queue.Message) {
	ctx, span := r.tracer.Start(ctx, "poll.batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(msgs))),
	)
	defer span.End()

	var failed int
	for i, msg := range msgs {
		if msg.IsError() {
			r.logger.Warn("Consumer error",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"error", msg.Err)
			failed++
			continue
		}
		if err := r.limiter.Wait(ctx, msg.TopicPartition()); err != nil {
			span.SetStatus(codes.Error, "batch interrupted")
			r.logger.Warn("Batch interrupted", "unhandled", len(msgs)-i, "error", err)
			return
		}
		if err := r.handle(ctx, msg); err != nil {
			r.logger.Error("Failed to handle message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			failed++
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, "batch had failures")
		span.SetAttributes(attribute.Int("poll.batch.failed", failed))
	}
}

// logMessage is the default handler.
func logMessage(logger *slog.Logger) handlerFunc {
	return func(_ context.Context, msg *queue.Message) error {
		logger.Debug("Message received",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"size", len(msg.Value))
		return nil
	}
}
