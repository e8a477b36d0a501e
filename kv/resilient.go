package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ResilienceConfig bounds every call made through a Resilient store.
type ResilienceConfig struct {
	// Timeout is applied to each individual attempt.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for idempotent operations.
	MaxRetries uint
	// InitialBackoff is the first wait between attempts.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

// DefaultResilienceConfig returns the bounds used when none are configured.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Timeout:        250 * time.Millisecond,
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
}

// Resilient decorates a Store with per-call timeouts and bounded retries.
//
// Get, Put and Delete are idempotent and retried on transient faults.
// CompareAndSwap is attempted once: a timed-out CAS may have been applied,
// and replaying it would misreport the outcome to the caller.
type Resilient struct {
	inner  Store
	cfg    ResilienceConfig
	logger *zap.Logger
}

// NewResilient wraps inner. A nil logger disables retry logging.
func NewResilient(inner Store, cfg ResilienceConfig, logger *zap.Logger) *Resilient {
	def := DefaultResilienceConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{inner: inner, cfg: cfg, logger: logger}
}

// Unwrap returns the decorated store.
func (r *Resilient) Unwrap() Store {
	return r.inner
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	return retry(ctx, r, "get", key, func(ctx context.Context) ([]byte, error) {
		return r.inner.Get(ctx, key)
	})
}

func (r *Resilient) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := retry(ctx, r, "put", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Put(ctx, key, value, ttl)
	})
	return err
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, r, "delete", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Delete(ctx, key)
	})
	return err
}

func (r *Resilient) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	ok, err := r.inner.CompareAndSwap(callCtx, key, prev, next, ttl)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// Ping forwards to the inner store when it supports liveness checks.
func (r *Resilient) Ping(ctx context.Context) error {
	p, ok := r.inner.(Pinger)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return classify(p.Ping(callCtx))
}

func retry[T any](ctx context.Context, r *Resilient, op, key string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	attempt := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrNotFound) || !IsUnavailable(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		r.logger.Debug("kv: transient store error",
			zap.String("op", op),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxRetries+1))
	if err != nil {
		var zero T
		return zero, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
