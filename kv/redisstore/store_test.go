package redisstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/kv"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreTest(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "ag"), mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestGetPutDelete(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	if _, err := store.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mr.Exists("ag:k") {
		t.Fatal("expected prefixed key in redis")
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCompareAndSwapSemantics(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	ok, err := store.CompareAndSwap(ctx, "k", nil, []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("create-if-absent: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSwap(ctx, "k", nil, []byte("b"), 0)
	if err != nil || ok {
		t.Fatalf("second create must fail: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSwap(ctx, "k", []byte("x"), []byte("b"), 0)
	if err != nil || ok {
		t.Fatalf("mismatched prev must fail: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("matching prev must succeed: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("ag:k"); ttl <= 0 || ttl > 2*time.Second {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	mr.FastForward(3 * time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected key to expire, got %v", err)
	}
}

func TestConcurrentCreateHasSingleWinner(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSwap(ctx, "once", nil, []byte("x"), 0)
			if err != nil {
				t.Errorf("cas: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestUnavailableWhenRedisDown(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := store.Get(ctx, "k"); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from ping, got %v", err)
	}
}
