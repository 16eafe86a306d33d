package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextMutex_MutualExclusion(t *testing.T) {
	m := NewContextMutex()
	const n = 100

	// Plain int: lost updates show up under -race if exclusion breaks.
	counter := 0
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestContextMutex_WaiterTimesOut(t *testing.T) {
	m := NewContextMutex()
	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextMutex_CancelledContextFailsFast(t *testing.T) {
	m := NewContextMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Lock(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	unlock, ok := m.TryLock()
	require.True(t, ok, "failed Lock must not hold the mutex")
	unlock()
}

func TestContextMutex_UnlockHandsOver(t *testing.T) {
	m := NewContextMutex()
	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background())
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second locker got in before unlock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second locker never got in")
	}
}

func TestContextMutex_UnlockIsIdempotent(t *testing.T) {
	m := NewContextMutex()
	unlock, ok := m.TryLock()
	require.True(t, ok)
	unlock()
	unlock()

	_, ok = m.TryLock()
	assert.True(t, ok)
	_, ok = m.TryLock()
	assert.False(t, ok)
}
