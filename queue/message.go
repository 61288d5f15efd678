// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"time"
)

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String returns the topic and partition formatted as "topic[partition]".
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Message is a record read from a queue.
// A nil *Message means nothing was read. A message with Err set is an
// error marker surfaced by the transport and is passed through unchanged.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Err is set when the message carries a transport error instead of data.
	Err error
}

// TopicPartition returns the partition the message was read from.
func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// IsError reports whether the message is an error marker.
func (m *Message) IsError() bool {
	return m != nil && m.Err != nil
}
