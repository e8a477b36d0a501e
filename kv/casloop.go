package kv

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// ErrContention is returned when an Update loop could not commit within its
// attempt budget.
var ErrContention = errors.New("kv: too much contention")

// MaxUpdateAttempts bounds the CAS loop in Update. Every failed attempt means
// another writer committed, so the system as a whole always makes progress.
const MaxUpdateAttempts = 1024

// Mutation computes the next value from the current one. cur is nil when the
// key is absent. Returning a nil next with a nil error deletes nothing and
// commits nothing; Update then returns the mutation's result unchanged.
type Mutation[T any] func(cur []byte) (next []byte, ttl time.Duration, result T, err error)

// Update runs a read-modify-CAS loop on key until fn's output is committed.
func Update[T any](ctx context.Context, s Store, key string, fn Mutation[T]) (T, error) {
	var zero T
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		cur, err := s.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return zero, err
		}
		if errors.Is(err, ErrNotFound) {
			cur = nil
		}

		next, ttl, result, err := fn(cur)
		if err != nil {
			return result, err
		}
		if next == nil {
			return result, nil
		}

		ok, err := s.CompareAndSwap(ctx, key, cur, next, ttl)
		if err != nil {
			return zero, err
		}
		if ok {
			return result, nil
		}
		if attempt%8 == 7 {
			runtime.Gosched()
		}
	}
	return zero, ErrContention
}
