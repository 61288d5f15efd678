// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll_test

import (
	"context"
	"testing"

	"github.com/absmach/fluxpoll/poll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				key := ""
				for _, kv := range dp.Attributes.ToSlice() {
					key = string(kv.Key) + "=" + kv.Value.Emit()
				}
				points[key] += dp.Value
			}
			out[m.Name] = points
		}
	}
	return out
}

func TestRoundRobinRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := poll.NewMetrics(mp)
	require.NoError(t, err)

	c := newFakeConsumer(2)
	s := newRoundRobin(t, c, poll.WithMetrics(metrics))

	c.group.push(1)
	c.partition(0).push(2, 3)
	c.partition(1).push(4)

	_, err = s.PollTimeout(0)
	require.NoError(t, err)
	msgs, err := s.PollBatchTimeout(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	_, err = s.PollTimeout(0)
	require.NoError(t, err)

	c.assign(tp(2))

	sums := collectSums(t, reader)
	assert.Equal(t, int64(1), sums["poll.messages.total"]["source=group"])
	assert.Equal(t, int64(3), sums["poll.messages.total"]["source=partition"])
	assert.Equal(t, int64(1), sums["poll.empty.total"]["kind=single"])
	assert.Equal(t, int64(1), sums["poll.rebalances.total"]["type=assigned"])
	assert.Equal(t, int64(3), sums["poll.partitions.assigned"][""])
}

func TestRoundRobinRecordsStateErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := poll.NewMetrics(mp)
	require.NoError(t, err)

	s := newRoundRobin(t, newFakeConsumer(0), poll.WithMetrics(metrics))
	_, err = s.PollTimeout(0)
	require.ErrorIs(t, err, poll.ErrNoAssignment)

	sums := collectSums(t, reader)
	assert.Equal(t, int64(1), sums["poll.errors.total"]["type=no_assignment"])
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *poll.Metrics
	assert.NotPanics(t, func() {
		m.RecordMessages(poll.SourceGroup, 1)
		m.RecordEmpty("single")
		m.RecordError("x")
		m.RecordRebalance(poll.Assigned, 1)
		m.RecordPartitions(1)
		m.RecordBatch(1)
	})
}
