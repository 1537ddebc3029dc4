// Package ring provides a fixed-capacity, concurrency-safe history buffer.
package ring

import "sync"

// Buffer keeps the most recent Cap() items. Pushing into a full buffer
// overwrites the oldest item.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	size  int
	total uint64
}

// New creates a buffer holding at most capacity items. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest one when full.
func (b *Buffer[T]) Push(item T) {
	b.PushEvict(item)
}

// PushEvict appends an item and returns the item it evicted, if any.
func (b *Buffer[T]) PushEvict(item T) (evicted T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	if b.size == len(b.items) {
		evicted = b.items[b.head]
		b.items[b.head] = item
		b.head = (b.head + 1) % len(b.items)
		return evicted, true
	}
	b.items[(b.head+b.size)%len(b.items)] = item
	b.size++
	return evicted, false
}

// Snapshot returns the buffered items, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last returns up to n of the most recent items, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	all := b.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Total returns the number of items ever pushed, including evicted ones.
func (b *Buffer[T]) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
