// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "fmt"

// Entry pairs a partition with its queue.
type Entry struct {
	Partition TopicPartition
	Queue     Queue
}

// Registry is an insertion-ordered, immutable mapping from partitions to
// their queues. Reassignment builds a new registry instead of modifying an
// existing one, so positions into a registry stay valid for its lifetime.
type Registry struct {
	entries []Entry
	index   map[TopicPartition]int
}

// NewRegistry builds a registry from entries, keeping their order.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[TopicPartition]int, len(entries)),
	}
	for _, e := range entries {
		if e.Queue == nil {
			return nil, fmt.Errorf("partition %s has no queue", e.Partition)
		}
		if _, ok := r.index[e.Partition]; ok {
			return nil, fmt.Errorf("duplicate partition %s", e.Partition)
		}
		r.index[e.Partition] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// Len returns the number of registered partitions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Empty reports whether the registry holds no partitions.
func (r *Registry) Empty() bool {
	return r.Len() == 0
}

// At returns the entry at position i.
func (r *Registry) At(i int) Entry {
	return r.entries[i]
}

// Get returns the queue registered for tp.
func (r *Registry) Get(tp TopicPartition) (Queue, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.index[tp]
	if !ok {
		return nil, false
	}
	return r.entries[i].Queue, true
}

// Partitions returns the registered partitions in order.
func (r *Registry) Partitions() []TopicPartition {
	out := make([]TopicPartition, 0, r.Len())
	for i := 0; i < r.Len(); i++ {
		out = append(out, r.entries[i].Partition)
	}
	return out
}

// Entries returns a copy of the registry entries in order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, r.Len())
	if r != nil {
		copy(out, r.entries)
	}
	return out
}

// With returns a new registry with added appended after the existing
// entries. Partitions already present keep their original queue.
func (r *Registry) With(added ...Entry) (*Registry, error) {
	entries := r.Entries()
	for _, e := range added {
		if _, ok := r.Get(e.Partition); ok {
			continue
		}
		entries = append(entries, e)
	}
	return NewRegistry(entries...)
}

// Without returns a new registry with the given partitions removed.
func (r *Registry) Without(removed ...TopicPartition) *Registry {
	drop := make(map[TopicPartition]struct{}, len(removed))
	for _, tp := range removed {
		drop[tp] = struct{}{}
	}

	next := &Registry{
		entries: make([]Entry, 0, r.Len()),
		index:   make(map[TopicPartition]int, r.Len()),
	}
	for _, e := range r.Entries() {
		if _, ok := drop[e.Partition]; ok {
			continue
		}
		next.index[e.Partition] = len(next.entries)
		next.entries = append(next.entries, e)
	}
	return next
}
