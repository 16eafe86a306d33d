package bounded

import (
	"fmt"
	"strconv"

	"github.com/blocki/blocki/internal/kv"
)

// Storage is the slice of the invocation API a Ring needs.
type Storage interface {
	Get(key kv.Key, v any) (bool, error)
	Set(key kv.Key, v any) error
	Delete(key kv.Key) error
}

// Ring is a FIFO ring persisted in the persistent tier. Elements live in
// capacity slots addressed by absolute position modulo capacity, and a
// header records the absolute positions of the oldest and next element,
// so Push is O(1) regardless of history size.
//
// The header also records the capacity the slots were written with. A ring
// reopened with a different capacity reads through the stored layout,
// exposes only the newest elements that fit, and is rewritten into the new
// layout on its next Push.
type Ring[T any] struct {
	prefix   string
	capacity uint64
}

type ringHeader struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Cap   uint64 `json:"cap,omitempty"`
}

// NewRing creates a ring whose keys start with prefix.
func NewRing[T any](prefix string, capacity uint64) Ring[T] {
	if capacity == 0 {
		capacity = 1
	}
	return Ring[T]{prefix: prefix, capacity: capacity}
}

// Cap returns the ring capacity.
func (r Ring[T]) Cap() uint64 { return r.capacity }

func (r Ring[T]) headerKey() kv.Key { return kv.PersistentKey(r.prefix + ":head") }

func (r Ring[T]) slotKey(pos, capacity uint64) kv.Key {
	return kv.PersistentKey(r.prefix + ":" + strconv.FormatUint(pos%capacity, 10))
}

func (r Ring[T]) header(s Storage) (ringHeader, error) {
	var h ringHeader
	if _, err := s.Get(r.headerKey(), &h); err != nil {
		return h, fmt.Errorf("ring %s: read header: %w", r.prefix, err)
	}
	if h.Cap == 0 {
		// Fresh ring, or one written before the capacity was recorded.
		h.Cap = r.capacity
	}
	return h, nil
}

// visible returns the first position readers see: all stored elements,
// or only the newest capacity of them after a shrink.
func (r Ring[T]) visible(h ringHeader) uint64 {
	if h.End-h.Start > r.capacity {
		return h.End - r.capacity
	}
	return h.Start
}

// Len returns the number of stored elements.
func (r Ring[T]) Len(s Storage) (uint64, error) {
	h, err := r.header(s)
	if err != nil {
		return 0, err
	}
	return h.End - r.visible(h), nil
}

// Push appends v, evicting the oldest element when the ring is full.
// It reports whether any element was evicted.
func (r Ring[T]) Push(s Storage, v T) (bool, error) {
	h, err := r.header(s)
	if err != nil {
		return false, err
	}
	evicted := false
	if h.Cap != r.capacity {
		if h, evicted, err = r.relayout(s, h); err != nil {
			return false, err
		}
	}
	if h.End-h.Start == r.capacity {
		h.Start++
		evicted = true
	}
	if err := s.Set(r.slotKey(h.End, r.capacity), v); err != nil {
		return false, err
	}
	h.End++
	if err := s.Set(r.headerKey(), h); err != nil {
		return false, err
	}
	return evicted, nil
}

// relayout moves the visible elements from the stored capacity's slots to
// positions 0..n-1 under the current capacity and deletes the old slots.
func (r Ring[T]) relayout(s Storage, h ringHeader) (ringHeader, bool, error) {
	from := r.visible(h)
	items := make([]T, 0, h.End-from)
	for pos := from; pos < h.End; pos++ {
		var v T
		ok, err := s.Get(r.slotKey(pos, h.Cap), &v)
		if err != nil {
			return h, false, err
		}
		if !ok {
			return h, false, fmt.Errorf("ring %s: slot %d missing", r.prefix, pos%h.Cap)
		}
		items = append(items, v)
	}

	used := min(h.End-h.Start, h.Cap)
	for pos := h.End - used; pos < h.End; pos++ {
		if err := s.Delete(r.slotKey(pos, h.Cap)); err != nil {
			return h, false, err
		}
	}
	for i, v := range items {
		if err := s.Set(r.slotKey(uint64(i), r.capacity), v); err != nil {
			return h, false, err
		}
	}
	dropped := from > h.Start
	return ringHeader{Start: 0, End: uint64(len(items)), Cap: r.capacity}, dropped, nil
}

// Each calls fn for every element, oldest first, until fn returns false.
func (r Ring[T]) Each(s Storage, fn func(T) bool) error {
	h, err := r.header(s)
	if err != nil {
		return err
	}
	for pos := r.visible(h); pos < h.End; pos++ {
		var v T
		ok, err := s.Get(r.slotKey(pos, h.Cap), &v)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ring %s: slot %d missing", r.prefix, pos%h.Cap)
		}
		if !fn(v) {
			return nil
		}
	}
	return nil
}

// All returns every element, oldest first.
func (r Ring[T]) All(s Storage) ([]T, error) {
	var out []T
	err := r.Each(s, func(v T) bool {
		out = append(out, v)
		return true
	})
	return out, err
}
