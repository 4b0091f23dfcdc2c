// File: internal/pool/pool.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reusable byte buffers for frame encoding, bucketed by power-of-two size
// class.

package pool

import (
	"math/bits"
	"sync"
)

const (
	minClassShift = 8  // 256 B
	maxClassShift = 20 // 1 MiB; larger buffers are left to the GC
	classDepth    = 256
)

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

func (sp *SyncPool[T]) Get() T { return sp.pool.Get().(T) }

func (sp *SyncPool[T]) Put(obj T) { sp.pool.Put(obj) }

// BufferPool hands out zero-length byte slices with at least the requested
// capacity. Each size class is a bounded channel; overflow is dropped.
type BufferPool struct {
	classes [maxClassShift - minClassShift + 1]chan []byte
}

// NewBufferPool creates an empty BufferPool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i := range p.classes {
		p.classes[i] = make(chan []byte, classDepth)
	}
	return p
}

// class returns the bucket index for a buffer of capacity n, or -1.
func class(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Get returns a buffer with len 0 and cap >= size.
func (p *BufferPool) Get(size int) []byte {
	c := class(size)
	if c < 0 {
		return make([]byte, 0, size)
	}
	select {
	case b := <-p.classes[c]:
		return b[:0]
	default:
		return make([]byte, 0, 1<<(c+minClassShift))
	}
}

// Put recycles b. Buffers whose capacity is not an exact size class are
// discarded.
func (p *BufferPool) Put(b []byte) {
	n := cap(b)
	c := class(n)
	if c < 0 || n != 1<<(c+minClassShift) {
		return
	}
	select {
	case p.classes[c] <- b[:0]:
	default:
	}
}

var defaultPool = NewBufferPool()

// Default returns the process-wide buffer pool.
func Default() *BufferPool { return defaultPool }
