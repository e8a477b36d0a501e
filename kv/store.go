// Package kv defines the durable key-value capability every stateful authgate
// component is built on, plus the in-process and resilience implementations.
//
// Backends only need four primitives: Get, Put, Delete and CompareAndSwap.
// All shared-state mutation in authgate is expressed as CAS loops over these,
// so no process-local lock is ever held across store I/O.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable marks infrastructure faults (timeouts, connection loss).
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the storage contract consumed by tokenstore, ratelimit, apikey and
// session. A zero ttl means the key does not expire.
//
// CompareAndSwap replaces the value at key with next only if the current value
// equals prev byte for byte. A nil prev means "only if absent".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IsUnavailable reports whether err is an infrastructure fault, including
// context deadline expiry on a store call.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
