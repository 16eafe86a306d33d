// Package bounded provides fixed-capacity FIFO collections: an in-memory
// ring buffer and a ring persisted in the key-value store.
package bounded

// Buffer is a fixed-capacity FIFO ring. Pushing into a full buffer evicts
// the oldest element. Not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// NewBuffer creates a buffer holding at most capacity elements.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Push appends v. When the buffer is full the oldest element is evicted
// and returned with ok set.
func (b *Buffer[T]) Push(v T) (evicted T, ok bool) {
	if b.size == len(b.items) {
		evicted = b.items[b.head]
		b.items[b.head] = v
		b.head = (b.head + 1) % len(b.items)
		return evicted, true
	}
	b.items[(b.head+b.size)%len(b.items)] = v
	b.size++
	return evicted, false
}

// At returns the i-th element, oldest first.
func (b *Buffer[T]) At(i int) T {
	return b.items[(b.head+i)%len(b.items)]
}

// Items returns the elements oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}
