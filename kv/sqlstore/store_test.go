package sqlstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// each sqlite :memory: connection is its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := New(db)
	require.NoError(t, err)
	return store
}

func TestStoreGetPutDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Put(ctx, "k", []byte("v1"), 0))
	require.NoError(t, store.Put(ctx, "k", []byte("v2"), time.Hour))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreCompareAndSwap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.CompareAndSwap(ctx, "k", nil, []byte("a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwap(ctx, "k", nil, []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSwap(ctx, "k", []byte("zzz"), []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestStoreExpiredRowsAreAbsent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)

	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	ok, err := store.CompareAndSwap(ctx, "k", []byte("v"), []byte("w"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "expired value must not match")

	ok, err = store.CompareAndSwap(ctx, "k", nil, []byte("fresh"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "create must take over an expired row")

	require.NoError(t, store.Put(ctx, "gone", []byte("x"), time.Second))
	now = now.Add(time.Hour)
	n, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStoreUpdateLoopIsExact(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var committed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kv.Update(ctx, store, "n", func(cur []byte) ([]byte, time.Duration, struct{}, error) {
				return append(cur, 'x'), 0, struct{}{}, nil
			})
			if err == nil {
				committed.Add(1)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Len(t, got, int(committed.Load()))
	assert.Equal(t, int32(8), committed.Load())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
