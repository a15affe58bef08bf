// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// Ring Buffer
// =============================================================================

// RingBuffer is a bounded FIFO that overwrites its oldest item when full.
//
// # Description
//
// Used as the hand-off queue between arbitrary logging goroutines and the
// single relay consumer. Push never blocks and never fails; overflow evicts
// the oldest element and increments DroppedCount.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Example
//
//	rb := NewRingBuffer[string](2)
//	rb.Push("a")
//	rb.Push("b")
//	rb.Push("c")          // evicts "a"
//	rb.Drain()            // ["b", "c"]
//	rb.DroppedCount()     // 1
type RingBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	start   int
	count   int
	dropped atomic.Int64
}

// NewRingBuffer creates a ring buffer. Panics if capacity is not positive.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends item, evicting the oldest element when full.
//
// Returns true if an element was evicted.
func (r *RingBuffer[T]) Push(item T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		r.takeLocked(1)
		r.dropped.Add(1)
		evicted = true
	}
	r.items[(r.start+r.count)%len(r.items)] = item
	r.count++
	return evicted
}

// PopN removes and returns up to n items in FIFO order.
func (r *RingBuffer[T]) PopN(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takeLocked(n)
}

// Drain removes and returns every item in FIFO order.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takeLocked(r.count)
}

// takeLocked removes up to n items from the front, zeroing their slots so
// the buffer does not pin evicted values.
func (r *RingBuffer[T]) takeLocked(n int) []T {
	n = min(n, r.count)
	if n <= 0 {
		return nil
	}
	var zero T
	out := make([]T, n)
	for i := range out {
		idx := (r.start + i) % len(r.items)
		out[i], r.items[idx] = r.items[idx], zero
	}
	r.start = (r.start + n) % len(r.items)
	r.count -= n
	return out
}

// Size returns the number of buffered items.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return len(r.items)
}

// DroppedCount returns how many items were evicted since creation.
func (r *RingBuffer[T]) DroppedCount() int64 {
	return r.dropped.Load()
}
