// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mock

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxpoll/poll"
	"github.com/absmach/fluxpoll/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T, partitions int) (*Cluster, *Consumer) {
	t.Helper()
	cluster := NewCluster("mock://test")
	require.NoError(t, cluster.AddTopic("orders", partitions))
	c := NewConsumer(cluster, ConsumerConfig{})
	t.Cleanup(func() { _ = c.Close() })
	return cluster, c
}

func TestConsumerDefaults(t *testing.T) {
	_, c := newTestConsumer(t, 1)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, DefaultTimeout, c.Timeout())
	assert.Empty(t, c.Assignment())
	assert.NotNil(t, c.Queue())

	other := NewConsumer(NewCluster("x"), ConsumerConfig{Timeout: 5 * time.Millisecond, GroupID: "g"})
	assert.NotEqual(t, c.ID(), other.ID())
	assert.Equal(t, 5*time.Millisecond, other.Timeout())
}

func TestConsumerSubscribeForwardsToGroupQueue(t *testing.T) {
	cluster, c := newTestConsumer(t, 2)
	require.NoError(t, c.Subscribe("orders"))

	assert.Equal(t, []queue.TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
	}, c.Assignment())

	_, err := cluster.Produce("orders", 1, nil, []byte("one"))
	require.NoError(t, err)
	_, err = cluster.Produce("orders", 0, nil, []byte("zero"))
	require.NoError(t, err)

	msgs := c.Queue().ConsumeBatch(10, 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", string(msgs[0].Value))
	assert.Equal(t, "zero", string(msgs[1].Value))

	assert.ErrorIs(t, c.Subscribe("missing"), ErrUnknownTopic)
}

func TestConsumerPartitionQueue(t *testing.T) {
	cluster, c := newTestConsumer(t, 1)
	tp := queue.TopicPartition{Topic: "orders", Partition: 0}

	_, err := c.PartitionQueue(tp)
	assert.ErrorIs(t, err, ErrNotAssigned)

	require.NoError(t, c.Assign([]queue.TopicPartition{tp}))
	pq, err := c.PartitionQueue(tp)
	require.NoError(t, err)
	require.NoError(t, pq.DisableForwarding())

	_, err = cluster.Produce("orders", 0, nil, []byte("direct"))
	require.NoError(t, err)
	assert.Nil(t, c.Queue().Consume(0))
	msg := pq.Consume(0)
	require.NotNil(t, msg)
	assert.Equal(t, "direct", string(msg.Value))
}

func TestConsumerRebalanceEvents(t *testing.T) {
	_, c := newTestConsumer(t, 3)

	var events []poll.RebalanceEvent
	unregister := c.OnRebalance(func(ev poll.RebalanceEvent) {
		// Partition queues are reachable while the listener runs.
		for _, tp := range ev.Partitions {
			_, err := c.PartitionQueue(tp)
			assert.NoError(t, err)
		}
		events = append(events, ev)
	})

	first := []queue.TopicPartition{{Topic: "orders", Partition: 0}, {Topic: "orders", Partition: 1}}
	second := []queue.TopicPartition{{Topic: "orders", Partition: 2}}
	require.NoError(t, c.Assign(first))
	require.NoError(t, c.Assign(second))

	require.Len(t, events, 3)
	assert.Equal(t, poll.RebalanceEvent{Type: poll.Assigned, Partitions: first}, events[0])
	assert.Equal(t, poll.RebalanceEvent{Type: poll.Revoked, Partitions: first}, events[1])
	assert.Equal(t, poll.RebalanceEvent{Type: poll.Assigned, Partitions: second}, events[2])

	unregister()
	require.NoError(t, c.Unassign())
	assert.Len(t, events, 3)
	assert.Empty(t, c.Assignment())
}

func TestConsumerAssignRejectsUnknownPartition(t *testing.T) {
	_, c := newTestConsumer(t, 1)

	err := c.Assign([]queue.TopicPartition{{Topic: "orders", Partition: 5}})
	assert.ErrorIs(t, err, ErrUnknownPartition)
	assert.Empty(t, c.Assignment())
}

func TestConsumerAssignDeduplicates(t *testing.T) {
	_, c := newTestConsumer(t, 1)
	tp := queue.TopicPartition{Topic: "orders", Partition: 0}

	require.NoError(t, c.Assign([]queue.TopicPartition{tp, tp}))
	assert.Equal(t, []queue.TopicPartition{tp}, c.Assignment())
}

func TestConsumerPartitionClaimedByOtherMember(t *testing.T) {
	cluster, c := newTestConsumer(t, 1)
	tp := queue.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, c.Assign([]queue.TopicPartition{tp}))

	other := NewConsumer(cluster, ConsumerConfig{})
	t.Cleanup(func() { _ = other.Close() })
	assert.ErrorIs(t, other.Assign([]queue.TopicPartition{tp}), ErrPartitionClaimed)

	require.NoError(t, c.Unassign())
	assert.NoError(t, other.Assign([]queue.TopicPartition{tp}))
}

func TestConsumerPushEventAndError(t *testing.T) {
	_, c := newTestConsumer(t, 1)
	boom := errors.New("boom")

	require.NoError(t, c.PushEvent(&queue.Message{Topic: "__group"}))
	require.NoError(t, c.PushError(boom))

	ev := c.Queue().Consume(0)
	require.NotNil(t, ev)
	assert.False(t, ev.IsError())

	msg := c.Queue().Consume(0)
	require.NotNil(t, msg)
	assert.True(t, msg.IsError())
	assert.ErrorIs(t, msg.Err, boom)
}

func TestConsumerClose(t *testing.T) {
	cluster, c := newTestConsumer(t, 1)
	require.NoError(t, c.Subscribe("orders"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Empty(t, c.Assignment())
	assert.ErrorIs(t, c.Subscribe("orders"), queue.ErrClosed)
	assert.ErrorIs(t, c.PushError(errors.New("late")), queue.ErrClosed)

	// The partition is free for the next member.
	next := NewConsumer(cluster, ConsumerConfig{})
	t.Cleanup(func() { _ = next.Close() })
	assert.NoError(t, next.Subscribe("orders"))
}
