// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mock

import (
	"testing"

	"github.com/absmach/fluxpoll/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterAddTopic(t *testing.T) {
	c := NewCluster("mock://test")
	assert.Equal(t, "mock://test", c.URL())

	require.NoError(t, c.AddTopic("orders", 3))
	assert.ErrorIs(t, c.AddTopic("orders", 1), ErrTopicExists)
	assert.Error(t, c.AddTopic("", 1))
	assert.Error(t, c.AddTopic("empty", 0))

	parts, err := c.Partitions("orders")
	require.NoError(t, err)
	assert.Equal(t, []queue.TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
		{Topic: "orders", Partition: 2},
	}, parts)

	_, err = c.Partitions("missing")
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestClusterProduceAssignsOffsets(t *testing.T) {
	c := NewCluster("mock://test")
	require.NoError(t, c.AddTopic("orders", 2))

	for want := int64(0); want < 3; want++ {
		off, err := c.Produce("orders", 1, []byte("k"), []byte("v"))
		require.NoError(t, err)
		assert.Equal(t, want, off)
	}

	hw, err := c.HighWatermark(queue.TopicPartition{Topic: "orders", Partition: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), hw)

	hw, err = c.HighWatermark(queue.TopicPartition{Topic: "orders", Partition: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(0), hw)

	_, err = c.Produce("orders", 2, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPartition)
	_, err = c.Produce("missing", 0, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestClusterAttachReplaysUndelivered(t *testing.T) {
	c := NewCluster("mock://test")
	require.NoError(t, c.AddTopic("orders", 1))
	tp := queue.TopicPartition{Topic: "orders", Partition: 0}

	_, err := c.Produce("orders", 0, nil, []byte("a"))
	require.NoError(t, err)
	_, err = c.Produce("orders", 0, nil, []byte("b"))
	require.NoError(t, err)

	sink := queue.NewMemory("sink", 0)
	require.NoError(t, c.attach("g", "m1", tp, sink))
	_, err = c.Produce("orders", 0, nil, []byte("c"))
	require.NoError(t, err)

	msgs := sink.ConsumeBatch(10, 0)
	require.Len(t, msgs, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, string(msgs[i].Value))
		assert.Equal(t, int64(i), msgs[i].Offset)
	}

	// Another member of the same group resumes after the delivered offsets.
	c.detach("m1", tp)
	_, err = c.Produce("orders", 0, nil, []byte("d"))
	require.NoError(t, err)

	next := queue.NewMemory("next", 0)
	require.NoError(t, c.attach("g", "m2", tp, next))
	msgs = next.ConsumeBatch(10, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "d", string(msgs[0].Value))

	// A different group starts from the beginning.
	c.detach("m2", tp)
	other := queue.NewMemory("other", 0)
	require.NoError(t, c.attach("g2", "m3", tp, other))
	assert.Len(t, other.ConsumeBatch(10, 0), 4)
}

func TestClusterAttachRejectsClaimedPartition(t *testing.T) {
	c := NewCluster("mock://test")
	require.NoError(t, c.AddTopic("orders", 1))
	tp := queue.TopicPartition{Topic: "orders", Partition: 0}

	require.NoError(t, c.attach("g", "m1", tp, queue.NewMemory("a", 0)))
	assert.ErrorIs(t, c.attach("g", "m2", tp, queue.NewMemory("b", 0)), ErrPartitionClaimed)

	// Detaching as a non-owner is a no-op.
	c.detach("m2", tp)
	assert.ErrorIs(t, c.attach("g", "m2", tp, queue.NewMemory("b", 0)), ErrPartitionClaimed)

	c.detach("m1", tp)
	assert.NoError(t, c.attach("g", "m2", tp, queue.NewMemory("b", 0)))
}

func TestClusterProduceCopiesPayload(t *testing.T) {
	c := NewCluster("mock://test")
	require.NoError(t, c.AddTopic("orders", 1))
	sink := queue.NewMemory("sink", 0)
	require.NoError(t, c.attach("g", "m", queue.TopicPartition{Topic: "orders"}, sink))

	value := []byte("original")
	_, err := c.Produce("orders", 0, nil, value)
	require.NoError(t, err)
	copy(value, "mutated!")

	msg := sink.Consume(0)
	require.NotNil(t, msg)
	assert.Equal(t, "original", string(msg.Value))
}

func TestClusterProduceReportsDeliveryFailure(t *testing.T) {
	c := NewCluster("mock://test")
	require.NoError(t, c.AddTopic("orders", 1))
	sink := queue.NewMemory("sink", 1)
	tp := queue.TopicPartition{Topic: "orders"}
	require.NoError(t, c.attach("g", "m", tp, sink))

	_, err := c.Produce("orders", 0, nil, []byte("a"))
	require.NoError(t, err)
	off, err := c.Produce("orders", 0, nil, []byte("b"))
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Equal(t, int64(1), off)

	// The failed message stays in the log and is replayed on the next attach.
	c.detach("m", tp)
	_ = sink.ConsumeBatch(10, 0)
	require.NoError(t, c.attach("g", "m", tp, sink))
	msg := sink.Consume(0)
	require.NotNil(t, msg)
	assert.Equal(t, "b", string(msg.Value))
}
