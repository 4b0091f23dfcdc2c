// File: internal/registry/registry.go
// Package registry
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe registry of live connections.

package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Registry maps connection IDs to values. Additions and removals happen
// from different goroutines; Snapshot gives a consistent view for shutdown.
type Registry[T any] struct {
	shards []*shard[T]
	mask   uint64
}

type shard[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// New constructs a registry with shardCount shards, rounded up to a power of two.
func New[T any](shardCount int) *Registry[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[T], m)
	for i := range shards {
		shards[i] = &shard[T]{items: make(map[string]T)}
	}
	return &Registry[T]{shards: shards, mask: uint64(m - 1)}
}

func (r *Registry[T]) shard(id string) *shard[T] {
	return r.shards[xxhash.Sum64String(id)&r.mask]
}

// Add inserts v under id. It returns false when id is already present.
func (r *Registry[T]) Add(id string, v T) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[id]; ok {
		return false
	}
	sh.items[id] = v
	return true
}

// Get fetches a value if present.
func (r *Registry[T]) Get(id string) (T, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.items[id]
	return v, ok
}

// Remove deletes id and reports whether it was present.
func (r *Registry[T]) Remove(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[id]; !ok {
		return false
	}
	delete(sh.items, id)
	return true
}

// Len counts entries across shards.
func (r *Registry[T]) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot copies every entry while holding all shard read locks, taken in
// index order. No callback runs under the locks.
func (r *Registry[T]) Snapshot() []T {
	for _, sh := range r.shards {
		sh.mu.RLock()
	}
	n := 0
	for _, sh := range r.shards {
		n += len(sh.items)
	}
	out := make([]T, 0, n)
	for _, sh := range r.shards {
		for _, v := range sh.items {
			out = append(out, v)
		}
	}
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.RUnlock()
	}
	return out
}

// Range applies fn to a snapshot of the entries.
func (r *Registry[T]) Range(fn func(T)) {
	for _, v := range r.Snapshot() {
		fn(v)
	}
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
