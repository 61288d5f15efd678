// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Message sources reported in metrics.
const (
	SourceGroup     = "group"
	SourcePartition = "partition"
)

// Metrics holds OpenTelemetry instruments for poll strategies.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	messagesTotal   metric.Int64Counter
	emptyPolls      metric.Int64Counter
	errorsTotal     metric.Int64Counter
	rebalancesTotal metric.Int64Counter

	partitionsAssigned metric.Int64UpDownCounter

	batchSize metric.Int64Histogram
}

// NewMetrics creates the poll instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter("fluxpoll"),
	}

	var err error

	m.messagesTotal, err = m.meter.Int64Counter(
		"poll.messages.total",
		metric.WithDescription("Messages returned to callers by source queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesTotal counter: %w", err)
	}

	m.emptyPolls, err = m.meter.Int64Counter(
		"poll.empty.total",
		metric.WithDescription("Polls that returned no message"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create emptyPolls counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"poll.errors.total",
		metric.WithDescription("Poll and teardown errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.rebalancesTotal, err = m.meter.Int64Counter(
		"poll.rebalances.total",
		metric.WithDescription("Assignment changes applied to the partition registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rebalancesTotal counter: %w", err)
	}

	m.partitionsAssigned, err = m.meter.Int64UpDownCounter(
		"poll.partitions.assigned",
		metric.WithDescription("Partition queues currently drained individually"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create partitionsAssigned gauge: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"poll.batch.size",
		metric.WithDescription("Messages returned per batch poll"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	return m, nil
}

// RecordMessages records n messages read from source.
func (m *Metrics) RecordMessages(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesTotal.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("source", source),
	))
}

// RecordEmpty records a poll that returned nothing.
func (m *Metrics) RecordEmpty(kind string) {
	if m == nil {
		return
	}
	m.emptyPolls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordRebalance records an applied assignment change and the resulting
// change in individually drained partitions.
func (m *Metrics) RecordRebalance(t RebalanceType, delta int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.rebalancesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", t.String()),
	))
	m.partitionsAssigned.Add(ctx, int64(delta))
}

// RecordPartitions adjusts the individually drained partition count.
func (m *Metrics) RecordPartitions(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.partitionsAssigned.Add(context.Background(), int64(delta))
}

// RecordBatch records the size of a returned batch.
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Record(context.Background(), int64(size))
}
