// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ring implements a bounded FIFO buffer. Producers are rejected while the Buffer is full, which makes the
// Buffer usable as a send buffer applying backpressure.
package ring

import (
	"sync"
)

// Buffer is a bounded, multi-producer and single-consumer FIFO.
type Buffer[T any] struct {
	mutex sync.Mutex

	buf      []T
	readIdx  int
	writeIdx int
	length   int
}

// NewBuffer creates a Buffer holding up to size elements. A size below one is raised to one.
func NewBuffer[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}

	return &Buffer[T]{
		buf: make([]T, size),
	}
}

// Offer appends a value. False is returned if the Buffer is full.
func (b *Buffer[T]) Offer(val T) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.length == len(b.buf) {
		return false
	}

	b.buf[b.writeIdx] = val
	b.writeIdx = (b.writeIdx + 1) % len(b.buf)
	b.length++

	return true
}

// Poll removes and returns the oldest value.
func (b *Buffer[T]) Poll() (val T, ok bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.poll()
}

func (b *Buffer[T]) poll() (val T, ok bool) {
	if b.length == 0 {
		return
	}

	var zero T
	val, ok = b.buf[b.readIdx], true
	b.buf[b.readIdx] = zero
	b.readIdx = (b.readIdx + 1) % len(b.buf)
	b.length--

	return
}

// Drain removes up to max values, oldest first, and returns them. A max below one drains everything.
func (b *Buffer[T]) Drain(max int) []T {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	n := b.length
	if max > 0 && max < n {
		n = max
	}

	vals := make([]T, 0, n)
	for i := 0; i < n; i++ {
		val, _ := b.poll()
		vals = append(vals, val)
	}
	return vals
}

// Len is the amount of currently buffered values.
func (b *Buffer[T]) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.length
}

// Cap is the maximum amount of buffered values.
func (b *Buffer[T]) Cap() int {
	return len(b.buf)
}
