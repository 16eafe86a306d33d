package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/kv"
)

const t0 = uint64(1_700_000_000)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	escrow = ContractAddress("escrow")
	market = ContractAddress("marketplace")
)

type counter struct {
	N int `json:"n"`
}

func newTestHost(t *testing.T) (*Host, *kv.MemoryStore, *ManualClock, *events.Log) {
	t.Helper()
	store := kv.NewMemoryStore()
	clock := NewManualClock(t0)
	log := events.NewLog(100)
	return New(store, clock, WithSink(log)), store, clock, log
}

func TestInvoke_CommitsOnSuccess(t *testing.T) {
	h, _, _, log := newTestHost(t)
	ctx := context.Background()
	key := kv.PersistentKey("counter")

	err := h.Invoke(ctx, "test.inc", auth.None, func(inv *Invocation) error {
		if err := inv.Set(key, counter{N: 1}); err != nil {
			return err
		}
		// Reads see the overlay.
		var c counter
		ok, err := inv.Get(key, &c)
		require.True(t, ok)
		require.Equal(t, 1, c.N)
		inv.Emit("inc", []common.Address{alice}, c)
		return err
	})
	require.NoError(t, err)

	var c counter
	err = h.View(ctx, "test.read", func(inv *Invocation) error {
		ok, err := inv.Get(key, &c)
		assert.True(t, ok)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.N)

	evs := log.Find(events.Query{})
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, "inc", evs[0].Topic)
	assert.Equal(t, t0, evs[0].LedgerTime)
	assert.NotEmpty(t, evs[0].InvocationID)
}

func TestInvoke_AbortDiscardsWritesAndEvents(t *testing.T) {
	h, store, _, log := newTestHost(t)
	ctx := context.Background()

	committed := false
	err := h.Invoke(ctx, "test.fail", auth.None, func(inv *Invocation) error {
		require.NoError(t, inv.Set(kv.PersistentKey("a"), counter{N: 1}))
		inv.Emit("a", nil, nil)
		inv.OnCommit(func() { committed = true })
		return errcode.InvalidAmount
	})
	assert.ErrorIs(t, err, errcode.InvalidAmount)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, log.Len())
	assert.False(t, committed)
}

func TestInvoke_AbortBurnsReservedIDs(t *testing.T) {
	h, _, _, _ := newTestHost(t)
	ctx := context.Background()

	_ = h.Invoke(ctx, "test.burn", auth.None, func(inv *Invocation) error {
		id, err := inv.NextID("things")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), id)
		return errors.New("abort")
	})

	err := h.Invoke(ctx, "test.next", auth.None, func(inv *Invocation) error {
		id, err := inv.NextID("things")
		assert.Equal(t, uint64(1), id)
		return err
	})
	require.NoError(t, err)
}

type failingStore struct {
	*kv.MemoryStore
}

func (failingStore) Apply(context.Context, []kv.Write) error { return errors.New("disk full") }

func TestInvoke_CommitFailureAborts(t *testing.T) {
	log := events.NewLog(10)
	h := New(failingStore{kv.NewMemoryStore()}, NewManualClock(t0), WithSink(log))

	err := h.Invoke(context.Background(), "test.commit", auth.None, func(inv *Invocation) error {
		inv.Emit("x", nil, nil)
		return inv.Set(kv.InstanceKey("cfg"), counter{})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, log.Len())
}

func TestInvoke_Reentrant(t *testing.T) {
	h, _, _, _ := newTestHost(t)
	err := h.Invoke(context.Background(), "outer", auth.None, func(inv *Invocation) error {
		return h.Invoke(inv.Context(), "inner", auth.None, func(*Invocation) error { return nil })
	})
	assert.ErrorIs(t, err, ErrReentrant)
}

func TestInvoke_PanicBecomesError(t *testing.T) {
	h, store, _, _ := newTestHost(t)
	err := h.Invoke(context.Background(), "test.panic", auth.None, func(inv *Invocation) error {
		_ = inv.Set(kv.PersistentKey("p"), 1)
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestInvoke_ContextCancelledWhileWaiting(t *testing.T) {
	h, _, _, _ := newTestHost(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.Invoke(context.Background(), "slow", auth.None, func(*Invocation) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Invoke(ctx, "blocked", auth.None, func(*Invocation) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
}

func TestInvoke_TotalOrder(t *testing.T) {
	h, _, _, _ := newTestHost(t)
	ctx := context.Background()
	key := kv.PersistentKey("n")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Invoke(ctx, "inc", auth.None, func(inv *Invocation) error {
				var c counter
				if _, err := inv.Get(key, &c); err != nil {
					return err
				}
				c.N++
				return inv.Set(key, c)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var c counter
	require.NoError(t, h.View(ctx, "read", func(inv *Invocation) error {
		_, err := inv.Get(key, &c)
		return err
	}))
	assert.Equal(t, 50, c.N)
}

func TestView_RejectsWrites(t *testing.T) {
	h, _, _, _ := newTestHost(t)
	err := h.View(context.Background(), "view", func(inv *Invocation) error {
		return inv.Set(kv.PersistentKey("x"), 1)
	})
	assert.ErrorIs(t, err, ErrReadOnly)

	err = h.View(context.Background(), "view", func(inv *Invocation) error {
		_, err := inv.NextID("x")
		return err
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestRequireAuth(t *testing.T) {
	h, _, _, _ := newTestHost(t)
	ctx := context.Background()

	err := h.Invoke(ctx, "auth", auth.NewGrants(alice), func(inv *Invocation) error {
		assert.NoError(t, inv.RequireAuth(alice))
		assert.ErrorIs(t, inv.RequireAuth(market), errcode.NotAuthorized)

		return inv.Call(market, func() error {
			_, ok := inv.Invoker()
			assert.False(t, ok, "client call has no invoking component")
			return inv.Call(escrow, func() error {
				caller, ok := inv.Invoker()
				assert.True(t, ok)
				assert.Equal(t, market, caller)
				assert.Equal(t, escrow, inv.Current())
				// The invoking component authorizes itself.
				assert.NoError(t, inv.RequireAuth(market))
				assert.ErrorIs(t, inv.RequireAuth(escrow), errcode.NotAuthorized)
				return nil
			})
		})
	})
	require.NoError(t, err)
}

func TestSet_RenewsRetention(t *testing.T) {
	h, store, clock, _ := newTestHost(t)
	ctx := context.Background()
	key := kv.PersistentKey("rec")
	write := func() {
		require.NoError(t, h.Invoke(ctx, "w", auth.None, func(inv *Invocation) error {
			return inv.Set(key, counter{})
		}))
	}

	write()
	e, err := store.Get(ctx, key)
	require.NoError(t, err)
	first := t0 + kv.RetentionExtension
	assert.Equal(t, first, e.ExpiresAt)

	// Plenty of retention left: deadline unchanged.
	clock.Advance(10 * kv.DaySeconds)
	write()
	e, _ = store.Get(ctx, key)
	assert.Equal(t, first, e.ExpiresAt)

	// Inside the threshold: extended from now.
	clock.Set(first - kv.DaySeconds)
	write()
	e, _ = store.Get(ctx, key)
	assert.Equal(t, first-kv.DaySeconds+kv.RetentionExtension, e.ExpiresAt)
}

func TestTemporaryEntriesExpire(t *testing.T) {
	h, _, clock, _ := newTestHost(t)
	ctx := context.Background()
	key := kv.TemporaryKey("quote")

	require.NoError(t, h.Invoke(ctx, "cache", auth.None, func(inv *Invocation) error {
		assert.Error(t, inv.Set(key, 1), "temporary keys need a ttl")
		return inv.SetTemporary(key, 42, 60)
	}))

	read := func() bool {
		var ok bool
		require.NoError(t, h.View(ctx, "read", func(inv *Invocation) error {
			var v int
			var err error
			ok, err = inv.Get(key, &v)
			return err
		}))
		return ok
	}
	assert.True(t, read())
	clock.Advance(60)
	assert.False(t, read())
}

func TestSweep(t *testing.T) {
	h, store, clock, _ := newTestHost(t)
	ctx := context.Background()

	require.NoError(t, h.Invoke(ctx, "seed", auth.None, func(inv *Invocation) error {
		if err := inv.Set(kv.PersistentKey("old"), 1); err != nil {
			return err
		}
		return inv.SetTemporary(kv.TemporaryKey("tmp"), 1, 10)
	}))

	// Move close to the persistent deadline.
	clock.Set(t0 + kv.RetentionExtension - kv.DaySeconds)
	res, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Extended)
	assert.Equal(t, int64(1), res.Expired)

	e, err := store.Get(ctx, kv.PersistentKey("old"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now()+kv.RetentionExtension, e.ExpiresAt)
	_, err = store.Get(ctx, kv.TemporaryKey("tmp"))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestKeeper_StartStop(t *testing.T) {
	h, _, _, _ := newTestHost(t)
	k := NewKeeper(h, 5*time.Millisecond, testLogger())

	done := make(chan struct{})
	go func() {
		k.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, k.Running, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	k.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
	assert.False(t, k.Running())
}

func TestContractAddressDeterministic(t *testing.T) {
	assert.Equal(t, ContractAddress("escrow"), ContractAddress("escrow"))
	assert.NotEqual(t, ContractAddress("escrow"), ContractAddress("marketplace"))
}

func TestClaims(t *testing.T) {
	h, _, clock, _ := newTestHost(t)
	ctx := context.Background()
	claims := NewClaims(h)
	var _ auth.ReplayGuard = claims

	fresh, err := claims.Claim(ctx, "digest-a", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = claims.Claim(ctx, "digest-a", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, fresh, "second claim of the same token")

	fresh, err = claims.Claim(ctx, "digest-b", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Once the ttl lapses the token may be claimed again.
	clock.Advance(90)
	fresh, err = claims.Claim(ctx, "digest-a", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
}
