// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ringbuffer

import "fmt"

// RingBuffer is a generic, thread-unsafe circular buffer that doubles as a
// bounded FIFO. Push appends at the tail, overwriting the oldest element once
// capacity is reached; Pop removes from the head.
//
// The driver uses it in both roles: as the per-queue free-slot list (sized to
// the queue depth, so it never overwrites) and as the bring-up state
// machine's recent-transition history (where overwriting is the point).
//
// Note: this implementation is NOT thread-safe. If concurrent access is
// needed, synchronization must be handled externally.
type RingBuffer[T any] struct {
	data []T
	head int // oldest element
	size int // current number of elements
}

// New creates a new ring buffer with the given capacity.
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be greater than 0, got %d", capacity)
	}
	return &RingBuffer[T]{
		data: make([]T, capacity),
	}, nil
}

// Push appends an element at the tail, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.data[(r.head+r.size)%cap(r.data)] = item
	if r.size < cap(r.data) {
		r.size++
	} else {
		r.head = (r.head + 1) % cap(r.data)
	}
}

// Pop removes and returns the oldest element. ok is false when the buffer is
// empty.
func (r *RingBuffer[T]) Pop() (item T, ok bool) {
	if r.size == 0 {
		return item, false
	}
	item = r.data[r.head]
	var zero T
	r.data[r.head] = zero
	r.head = (r.head + 1) % cap(r.data)
	r.size--
	return item, true
}

// GetAll returns all elements in order, oldest to newest.
func (r *RingBuffer[T]) GetAll() []T {
	result := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		result = append(result, r.data[(r.head+i)%cap(r.data)])
	}
	return result
}

// Len returns the current number of elements in the buffer.
func (r *RingBuffer[T]) Len() int {
	return r.size
}

// Cap returns the capacity of the buffer.
func (r *RingBuffer[T]) Cap() int {
	return cap(r.data)
}

// Full reports whether another Push would overwrite the oldest element.
func (r *RingBuffer[T]) Full() bool {
	return r.size == cap(r.data)
}

// Clear removes all elements from the buffer.
func (r *RingBuffer[T]) Clear() {
	r.size = 0
	r.head = 0
	clear(r.data)
}
