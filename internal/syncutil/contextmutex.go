// Package syncutil has the lock that serializes ledger invocations. Waiters
// give up when their context ends instead of queueing forever.
package syncutil

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ContextMutex is a mutex whose Lock honours context cancellation. Create
// one with NewContextMutex.
type ContextMutex struct {
	sem *semaphore.Weighted
}

// NewContextMutex creates an unlocked mutex.
func NewContextMutex() *ContextMutex {
	return &ContextMutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the mutex is free or ctx is done. An already-done
// context fails even when the lock is free. The returned unlock func is
// idempotent.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return m.unlocker(), nil
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	if !m.sem.TryAcquire(1) {
		return nil, false
	}
	return m.unlocker(), true
}

func (m *ContextMutex) unlocker() func() {
	return sync.OnceFunc(func() { m.sem.Release(1) })
}
