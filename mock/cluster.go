// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mock provides an in-memory broker cluster and consumer for
// exercising poll strategies without a real broker.
package mock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxpoll/queue"
)

var (
	ErrTopicExists      = errors.New("topic already exists")
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrPartitionClaimed = errors.New("partition already assigned to another consumer")
)

// Cluster is an in-memory set of partitioned topics. Produced messages are
// appended to the partition log and delivered to the consumer the
// partition is currently attached to.
type Cluster struct {
	url string

	mu     sync.Mutex
	topics map[string][]*partitionLog
}

type partitionLog struct {
	messages []*queue.Message

	// Delivery state; owner is empty while the partition is unattached.
	owner string
	group string
	sink  queue.Sink

	// Next offset to deliver, per consumer group.
	positions map[string]int64
}

// NewCluster creates an empty cluster identified by url.
func NewCluster(url string) *Cluster {
	return &Cluster{
		url:    url,
		topics: make(map[string][]*partitionLog),
	}
}

// URL returns the cluster identifier.
func (c *Cluster) URL() string {
	return c.url
}

// AddTopic creates a topic with the given number of partitions.
func (c *Cluster) AddTopic(name string, partitions int) error {
	if name == "" {
		return errors.New("topic name cannot be empty")
	}
	if partitions < 1 {
		return fmt.Errorf("topic %s: partitions must be at least 1", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[name]; ok {
		return fmt.Errorf("add topic %s: %w", name, ErrTopicExists)
	}
	logs := make([]*partitionLog, partitions)
	for i := range logs {
		logs[i] = &partitionLog{positions: make(map[string]int64)}
	}
	c.topics[name] = logs
	return nil
}

// Partitions returns every partition of topic in order.
func (c *Cluster) Partitions(topic string) ([]queue.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs, ok := c.topics[topic]
	if !ok {
		return nil, fmt.Errorf("partitions of %s: %w", topic, ErrUnknownTopic)
	}
	out := make([]queue.TopicPartition, len(logs))
	for i := range logs {
		out[i] = queue.TopicPartition{Topic: topic, Partition: int32(i)}
	}
	return out, nil
}

// Produce appends a message to a partition and returns its offset.
func (c *Cluster) Produce(topic string, partition int32, key, value []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, err := c.partitionUnlocked(queue.TopicPartition{Topic: topic, Partition: partition})
	if err != nil {
		return 0, err
	}

	msg := &queue.Message{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(len(log.messages)),
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	}
	log.messages = append(log.messages, msg)

	if log.sink != nil {
		if err := log.sink.Push(copyMessage(msg)); err != nil {
			return msg.Offset, fmt.Errorf("deliver %s offset %d: %w", msg.TopicPartition(), msg.Offset, err)
		}
		log.positions[log.group] = msg.Offset + 1
	}
	return msg.Offset, nil
}

// HighWatermark returns the offset the next produced message will get.
func (c *Cluster) HighWatermark(tp queue.TopicPartition) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, err := c.partitionUnlocked(tp)
	if err != nil {
		return 0, err
	}
	return int64(len(log.messages)), nil
}

// attach starts delivering tp to member's sink, first replaying every
// message the member's group has not been delivered yet.
func (c *Cluster) attach(group, member string, tp queue.TopicPartition, sink queue.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, err := c.partitionUnlocked(tp)
	if err != nil {
		return err
	}
	if log.owner != "" && log.owner != member {
		return fmt.Errorf("attach %s: %w", tp, ErrPartitionClaimed)
	}

	pos := log.positions[group]
	for _, msg := range log.messages[pos:] {
		if err := sink.Push(copyMessage(msg)); err != nil {
			return fmt.Errorf("replay %s offset %d: %w", tp, msg.Offset, err)
		}
		log.positions[group] = msg.Offset + 1
	}
	log.owner = member
	log.group = group
	log.sink = sink
	return nil
}

// detach stops delivering tp to member.
func (c *Cluster) detach(member string, tp queue.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if log, err := c.partitionUnlocked(tp); err == nil && log.owner == member {
		log.owner = ""
		log.group = ""
		log.sink = nil
	}
}

func (c *Cluster) validate(tp queue.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.partitionUnlocked(tp)
	return err
}

func (c *Cluster) partitionUnlocked(tp queue.TopicPartition) (*partitionLog, error) {
	logs, ok := c.topics[tp.Topic]
	if !ok {
		return nil, fmt.Errorf("%s: %w", tp, ErrUnknownTopic)
	}
	if tp.Partition < 0 || int(tp.Partition) >= len(logs) {
		return nil, fmt.Errorf("%s: %w", tp, ErrUnknownPartition)
	}
	return logs[tp.Partition], nil
}

func copyMessage(msg *queue.Message) *queue.Message {
	cp := *msg
	if msg.Key != nil {
		cp.Key = append([]byte(nil), msg.Key...)
	}
	if msg.Value != nil {
		cp.Value = append([]byte(nil), msg.Value...)
	}
	return &cp
}
