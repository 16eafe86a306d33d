package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	entries   map[Key]*Entry
	sequences map[string]uint64
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[Key]*Entry),
		sequences: make(map[string]uint64),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryStore) Apply(ctx context.Context, writes []Write) error {
	for _, w := range writes {
		if !validTier(w.Key.Tier) {
			return ErrInvalidTier
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range writes {
		if w.Delete {
			delete(m.entries, w.Key)
			continue
		}
		m.entries[w.Key] = &Entry{
			Key:       w.Key,
			Value:     append([]byte(nil), w.Value...),
			ExpiresAt: w.ExpiresAt,
		}
	}
	return nil
}

func (m *MemoryStore) NextSequence(ctx context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.sequences[name]
	m.sequences[name] = v + 1
	return v, nil
}

func (m *MemoryStore) Sequence(ctx context.Context, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sequences[name], nil
}

func (m *MemoryStore) Expiring(ctx context.Context, tier Tier, before uint64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Key.Tier == tier && e.ExpiresAt > 0 && e.ExpiresAt < before {
			result = append(result, copyEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExpiresAt != result[j].ExpiresAt {
			return result[i].ExpiresAt < result[j].ExpiresAt
		}
		return result[i].Key.Name < result[j].Key.Name
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, tier Tier, now uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.entries {
		if k.Tier == tier && e.ExpiresAt > 0 && e.ExpiresAt <= now {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp
}
