package kv

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/blocki/blocki/internal/testutil"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, PersistentKey("nope"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("apply and get", func(t *testing.T) {
		err := s.Apply(ctx, []Write{
			{Key: PersistentKey("escrow:0"), Value: []byte(`{"id":0}`), ExpiresAt: 500},
			{Key: InstanceKey("escrow:config"), Value: []byte(`{}`), ExpiresAt: 900},
		})
		require.NoError(t, err)

		e, err := s.Get(ctx, PersistentKey("escrow:0"))
		require.NoError(t, err)
		assert.Equal(t, `{"id":0}`, string(e.Value))
		assert.Equal(t, uint64(500), e.ExpiresAt)

		// Same name in another tier is a different key.
		_, err = s.Get(ctx, InstanceKey("escrow:0"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("overwrite and delete", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, []Write{{Key: PersistentKey("k"), Value: []byte("a")}}))
		require.NoError(t, s.Apply(ctx, []Write{{Key: PersistentKey("k"), Value: []byte("b")}}))
		e, err := s.Get(ctx, PersistentKey("k"))
		require.NoError(t, err)
		assert.Equal(t, "b", string(e.Value))

		require.NoError(t, s.Apply(ctx, []Write{{Key: PersistentKey("k"), Delete: true}}))
		_, err = s.Get(ctx, PersistentKey("k"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid tier rejects whole batch", func(t *testing.T) {
		err := s.Apply(ctx, []Write{
			{Key: PersistentKey("batch:ok"), Value: []byte("1")},
			{Key: Key{Tier: 0, Name: "bad"}, Value: []byte("2")},
		})
		assert.ErrorIs(t, err, ErrInvalidTier)
		_, err = s.Get(ctx, PersistentKey("batch:ok"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sequences start at zero", func(t *testing.T) {
		cur, err := s.Sequence(ctx, "listing")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), cur)

		for want := uint64(0); want < 3; want++ {
			got, err := s.NextSequence(ctx, "listing")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		cur, err = s.Sequence(ctx, "listing")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), cur)

		other, err := s.NextSequence(ctx, "escrow")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), other)
	})

	t.Run("expiring and delete expired", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, []Write{
			{Key: TemporaryKey("t1"), Value: []byte("x"), ExpiresAt: 100},
			{Key: TemporaryKey("t2"), Value: []byte("y"), ExpiresAt: 300},
			{Key: TemporaryKey("t3"), Value: []byte("z")},
		}))

		exp, err := s.Expiring(ctx, Temporary, 200, 10)
		require.NoError(t, err)
		require.Len(t, exp, 1)
		assert.Equal(t, "t1", exp[0].Key.Name)

		n, err := s.DeleteExpired(ctx, Temporary, 300)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.Get(ctx, TemporaryKey("t1"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, TemporaryKey("t3"))
		assert.NoError(t, err)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	val := []byte("abc")
	require.NoError(t, s.Apply(ctx, []Write{{Key: PersistentKey("k"), Value: val}}))
	val[0] = 'z'

	e, err := s.Get(ctx, PersistentKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(e.Value))
	e.Value[1] = 'z'

	e2, _ := s.Get(ctx, PersistentKey("k"))
	assert.Equal(t, "abc", string(e2.Value))
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	runStoreSuite(t, s)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, NewSQLStore(testutil.PGTest(t), Postgres))
}

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, Postgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := NewSQLStore(nil, SQLite)
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestRenewExpiry(t *testing.T) {
	now := uint64(1_000_000)
	tests := []struct {
		name    string
		current uint64
		want    uint64
	}{
		{"never set", 0, now + RetentionExtension},
		{"already expired", now - 1, now + RetentionExtension},
		{"below threshold", now + RetentionThreshold - 1, now + RetentionExtension},
		{"at threshold", now + RetentionThreshold, now + RetentionThreshold},
		{"far out", now + 500*DaySeconds, now + 500*DaySeconds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenewExpiry(now, tt.current))
		})
	}
}
