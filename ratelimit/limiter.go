// Package ratelimit implements per-(identity, resource) admission control with
// four interchangeable strategies: fixed window, sliding window, token bucket
// and leaky bucket.
//
// State lives in the shared kv.Store and every check is a read-modify-CAS
// loop, so the configured capacity is exact across goroutines and across
// service instances. No process-local lock is held across store I/O.
// Refill and drain are computed lazily from elapsed time; there are no
// background timers.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/kv"
)

// Strategy names an admission algorithm.
type Strategy string

const (
	// FixedWindow resets a counter at wall-clock boundaries. Up to twice the
	// capacity can pass around a boundary.
	FixedWindow Strategy = "fixed"
	// SlidingWindow keeps a timestamp log over the trailing window.
	SlidingWindow Strategy = "sliding"
	// TokenBucket refills continuously at RefillRate up to Capacity.
	TokenBucket Strategy = "tokenBucket"
	// LeakyBucket admits while the queue level stays within Capacity and
	// drains it at RefillRate.
	LeakyBucket Strategy = "leakyBucket"
)

var (
	// ErrInvalidPolicy is returned for unusable policy parameters.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
	// ErrInvalidCost is returned for non-positive costs and costs that can
	// never be admitted because they exceed capacity.
	ErrInvalidCost = errors.New("ratelimit: invalid cost")
)

// Policy configures a limiter.
type Policy struct {
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	// Capacity is requests per window, bucket size or queue depth.
	Capacity int `yaml:"capacity" json:"capacity"`
	// RefillRate is tokens (or drained units) per second for bucket strategies.
	RefillRate float64 `yaml:"refillRate" json:"refillRate"`
	// Window is the period for window strategies.
	Window time.Duration `yaml:"window" json:"window"`
	// Advisory marks limits that may fail open when the store is unavailable
	// and fail-closed enforcement is disabled.
	Advisory bool `yaml:"advisory" json:"advisory"`
}

// Validate checks the parameters the selected strategy needs.
func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0", ErrInvalidPolicy)
	}
	switch p.Strategy {
	case FixedWindow, SlidingWindow:
		if p.Window <= 0 {
			return fmt.Errorf("%w: %s requires window > 0", ErrInvalidPolicy, p.Strategy)
		}
	case TokenBucket, LeakyBucket:
		if p.RefillRate <= 0 {
			return fmt.Errorf("%w: %s requires refill rate > 0", ErrInvalidPolicy, p.Strategy)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Strategy)
	}
	return nil
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// algorithm computes the next state for one check. cost 0 is a read-only
// peek. A nil next means nothing should be committed.
type algorithm interface {
	apply(state []byte, now time.Time, cost int) (next []byte, ttl time.Duration, d Decision, err error)
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithKeyPrefix namespaces state keys. The default is "rl".
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// Limiter enforces one Policy.
type Limiter struct {
	store  kv.Store
	policy Policy
	algo   algorithm
	now    func() time.Time
	prefix string
}

// New returns a Limiter for policy over store.
func New(store kv.Store, policy Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		store:  store,
		policy: policy,
		now:    time.Now,
		prefix: "rl",
	}
	for _, opt := range opts {
		opt(l)
	}
	switch policy.Strategy {
	case FixedWindow:
		l.algo = fixedWindow{capacity: policy.Capacity, window: policy.Window}
	case SlidingWindow:
		l.algo = slidingWindow{capacity: policy.Capacity, window: policy.Window}
	case TokenBucket:
		l.algo = tokenBucket{capacity: policy.Capacity, rate: policy.RefillRate}
	case LeakyBucket:
		l.algo = leakyBucket{capacity: policy.Capacity, rate: policy.RefillRate}
	}
	return l, nil
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

func (l *Limiter) key(identity, resource string) string {
	return l.prefix + ":" + resource + ":" + identity
}

// CheckAndConsume admits or rejects a request of the given cost. Store
// errors are returned unchanged; the caller decides whether to fail open.
func (l *Limiter) CheckAndConsume(ctx context.Context, identity, resource string, cost int) (Decision, error) {
	if cost <= 0 || cost > l.policy.Capacity {
		return Decision{Limit: l.policy.Capacity}, ErrInvalidCost
	}
	return kv.Update(ctx, l.store, l.key(identity, resource), func(cur []byte) ([]byte, time.Duration, Decision, error) {
		next, ttl, d, err := l.algo.apply(cur, l.now(), cost)
		if err != nil || !d.Allowed {
			return nil, 0, d, err
		}
		return next, ttl, d, nil
	})
}

// Status reports remaining capacity without consuming any.
func (l *Limiter) Status(ctx context.Context, identity, resource string) (Decision, error) {
	cur, err := l.store.Get(ctx, l.key(identity, resource))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Decision{Limit: l.policy.Capacity}, err
	}
	if errors.Is(err, kv.ErrNotFound) {
		cur = nil
	}
	_, _, d, err := l.algo.apply(cur, l.now(), 0)
	return d, err
}

// Reset forgets all state for (identity, resource).
func (l *Limiter) Reset(ctx context.Context, identity, resource string) error {
	return l.store.Delete(ctx, l.key(identity, resource))
}

func decodeState(raw []byte, into any) error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("ratelimit: corrupt state: %w", err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func minTTL(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
