// Package apikey issues, validates and revokes API keys.
//
// A key is presented as "{prefix}_{secret}". The prefix is the lookup handle;
// the secret is only ever stored as a keyed hash and returned in plaintext
// once, from Create. Validation costs the same for unknown prefixes as for
// known ones because a decoy hash is compared in their place.
package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/internal"
	"github.com/MrEthical07/authgate/keyhash"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/rbac"
)

var (
	// ErrInvalid is returned for every rejected key: malformed, unknown,
	// mismatched, inactive or expired. The cause is deliberately not exposed.
	ErrInvalid = errors.New("apikey: invalid key")
	// ErrRateLimited is matched by *LimitedError.
	ErrRateLimited = errors.New("apikey: rate limited")
	// ErrNotFound is returned by id-based management calls.
	ErrNotFound = errors.New("apikey: not found")
	// ErrInvalidScope is returned by Create for malformed scopes.
	ErrInvalidScope = errors.New("apikey: invalid scope")
)

const (
	prefixKey = "ak:"
	idKey     = "ak:id:"
	ownerKey  = "ak:owner:"

	createAttempts = 3
)

// LimitedError reports a key that exceeded its own rate limit.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("apikey: rate limited, retry after %s", e.RetryAfter)
}

// Is matches ErrRateLimited.
func (e *LimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ApiKey is the stored key record. SecretHash never holds plaintext.
type ApiKey struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner"`
	Prefix     string            `json:"prefix"`
	SecretHash string            `json:"hash"`
	Scopes     []string          `json:"scopes"`
	RateLimit  *ratelimit.Policy `json:"rateLimit,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt,omitzero"`
	LastUsedAt time.Time         `json:"lastUsedAt,omitzero"`
	Active     bool              `json:"active"`
}

// Expired reports whether the key is past its expiry at now.
func (k *ApiKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// Created is returned once by Create. Plaintext is the full presented key.
type Created struct {
	ID        string
	Prefix    string
	Plaintext string
	ExpiresAt time.Time
}

// Config controls defaults for new keys.
type Config struct {
	// DefaultTTL applies when Create is called with ttl 0. Zero means keys
	// without an explicit ttl never expire.
	DefaultTTL time.Duration
	// DefaultLimit applies to keys created without their own policy.
	DefaultLimit ratelimit.Policy
	// Resource names the rate-limit bucket. Defaults to "api_key".
	Resource string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns API key records in a kv.Store.
type Manager struct {
	kv       kv.Store
	hasher   keyhash.Hasher
	decoy    string
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	limiters sync.Map // ratelimit.Policy -> *ratelimit.Limiter
}

// NewManager returns a Manager. hasher must produce hashes that verify in
// constant time.
func NewManager(store kv.Store, hasher keyhash.Hasher, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil || hasher == nil {
		return nil, errors.New("apikey: store and hasher are required")
	}
	if err := cfg.DefaultLimit.Validate(); err != nil {
		return nil, fmt.Errorf("apikey: default limit: %w", err)
	}
	if cfg.Resource == "" {
		cfg.Resource = "api_key"
	}
	decoy, err := keyhash.Decoy(hasher)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		kv:     store,
		hasher: hasher,
		decoy:  decoy,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if _, err := m.limiter(cfg.DefaultLimit); err != nil {
		return nil, err
	}
	return m, nil
}

// Create issues a key for ownerID. A nil limit uses the configured default
// and ttl 0 uses the default ttl.
func (m *Manager) Create(ctx context.Context, ownerID string, scopes []string, limit *ratelimit.Policy, ttl time.Duration) (*Created, error) {
	if ownerID == "" {
		return nil, errors.New("apikey: owner required")
	}
	if ttl < 0 {
		return nil, errors.New("apikey: negative ttl")
	}
	for _, s := range scopes {
		if _, err := rbac.Parse(s); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}
	if limit != nil {
		if err := limit.Validate(); err != nil {
			return nil, err
		}
	}
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}

	now := m.now().UTC()
	key := &ApiKey{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Scopes:    append([]string(nil), scopes...),
		RateLimit: limit,
		CreatedAt: now,
		Active:    true,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}

	secret, err := internal.NewKeySecret()
	if err != nil {
		return nil, err
	}
	key.SecretHash, err = m.hasher.Hash(secret)
	if err != nil {
		return nil, err
	}

	created := false
	for attempt := 0; attempt < createAttempts && !created; attempt++ {
		key.Prefix, err = internal.NewKeyPrefix()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		created, err = m.kv.CompareAndSwap(ctx, prefixKey+key.Prefix, nil, raw, ttl)
		if err != nil {
			return nil, err
		}
	}
	if !created {
		return nil, errors.New("apikey: could not allocate a unique prefix")
	}

	if err := m.kv.Put(ctx, idKey+key.ID, []byte(key.Prefix), ttl); err != nil {
		return nil, err
	}
	if err := m.indexOwner(ctx, ownerID, key.ID); err != nil {
		return nil, err
	}

	m.logger.Info("api key created",
		zap.String("key_id", key.ID),
		zap.String("owner_id", ownerID),
		zap.Strings("scopes", key.Scopes),
	)
	return &Created{
		ID:        key.ID,
		Prefix:    key.Prefix,
		Plaintext: internal.EncodeAPIKey(key.Prefix, secret),
		ExpiresAt: key.ExpiresAt,
	}, nil
}

// Validate authenticates a presented key, consumes one unit of the key's
// rate limit and records lastUsedAt.
func (m *Manager) Validate(ctx context.Context, presented string) (*ApiKey, error) {
	prefix, secret, err := internal.SplitAPIKey(presented)
	if err != nil {
		m.burn(presented)
		return nil, ErrInvalid
	}

	raw, err := m.kv.Get(ctx, prefixKey+prefix)
	if errors.Is(err, kv.ErrNotFound) {
		m.burn(secret)
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}
	key, err := decodeKey(raw)
	if err != nil {
		m.burn(secret)
		return nil, err
	}

	ok, err := m.hasher.Verify(secret, key.SecretHash)
	if err != nil {
		return nil, err
	}
	if !ok || !key.Active || key.Expired(m.now()) {
		return nil, ErrInvalid
	}

	policy := m.cfg.DefaultLimit
	if key.RateLimit != nil {
		policy = *key.RateLimit
	}
	limiter, err := m.limiter(policy)
	if err != nil {
		return nil, err
	}
	decision, err := limiter.CheckAndConsume(ctx, key.ID, m.cfg.Resource, 1)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &LimitedError{RetryAfter: decision.RetryAfter}
	}

	return kv.Update(ctx, m.kv, prefixKey+prefix, func(cur []byte) ([]byte, time.Duration, *ApiKey, error) {
		if cur == nil {
			return nil, 0, nil, ErrInvalid
		}
		k, err := decodeKey(cur)
		if err != nil {
			return nil, 0, nil, err
		}
		// revoked between the read above and this write
		if !k.Active {
			return nil, 0, nil, ErrInvalid
		}
		now := m.now().UTC()
		k.LastUsedAt = now
		next, err := json.Marshal(k)
		if err != nil {
			return nil, 0, nil, err
		}
		return next, m.ttl(k, now), k, nil
	})
}

// Revoke deactivates a key. It cannot be reactivated.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	prefix, err := m.prefixOf(ctx, id)
	if err != nil {
		return err
	}
	_, err = kv.Update(ctx, m.kv, prefixKey+prefix, func(cur []byte) ([]byte, time.Duration, struct{}, error) {
		k, err := decodeKey(cur)
		if err != nil {
			return nil, 0, struct{}{}, err
		}
		if !k.Active {
			return nil, 0, struct{}{}, nil
		}
		k.Active = false
		next, err := json.Marshal(k)
		if err != nil {
			return nil, 0, struct{}{}, err
		}
		return next, m.ttl(k, m.now()), struct{}{}, nil
	})
	if err == nil {
		m.logger.Info("api key revoked", zap.String("key_id", id))
	}
	return err
}

// Get returns the key record for id.
func (m *Manager) Get(ctx context.Context, id string) (*ApiKey, error) {
	prefix, err := m.prefixOf(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := m.kv.Get(ctx, prefixKey+prefix)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeKey(raw)
}

// List returns ownerID's keys ordered by creation time. Expired records that
// the store already dropped are skipped.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*ApiKey, error) {
	raw, err := m.kv.Get(ctx, ownerKey+ownerID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("apikey: corrupt owner index: %w", err)
	}
	keys := make([]*ApiKey, 0, len(ids))
	for _, id := range ids {
		k, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (m *Manager) indexOwner(ctx context.Context, ownerID, id string) error {
	_, err := kv.Update(ctx, m.kv, ownerKey+ownerID, func(cur []byte) ([]byte, time.Duration, struct{}, error) {
		var ids []string
		if cur != nil {
			if err := json.Unmarshal(cur, &ids); err != nil {
				return nil, 0, struct{}{}, fmt.Errorf("apikey: corrupt owner index: %w", err)
			}
		}
		ids = append(ids, id)
		next, err := json.Marshal(ids)
		return next, 0, struct{}{}, err
	})
	return err
}

func (m *Manager) prefixOf(ctx context.Context, id string) (string, error) {
	raw, err := m.kv.Get(ctx, idKey+id)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (m *Manager) limiter(p ratelimit.Policy) (*ratelimit.Limiter, error) {
	if l, ok := m.limiters.Load(p); ok {
		return l.(*ratelimit.Limiter), nil
	}
	l, err := ratelimit.New(m.kv, p, ratelimit.WithClock(m.now))
	if err != nil {
		return nil, err
	}
	actual, _ := m.limiters.LoadOrStore(p, l)
	return actual.(*ratelimit.Limiter), nil
}

// burn spends one hash comparison against the decoy so rejected lookups
// take as long as real mismatches.
func (m *Manager) burn(secret string) {
	_, _ = m.hasher.Verify(secret, m.decoy)
}

func (m *Manager) ttl(k *ApiKey, now time.Time) time.Duration {
	if k.ExpiresAt.IsZero() {
		return 0
	}
	ttl := k.ExpiresAt.Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func decodeKey(raw []byte) (*ApiKey, error) {
	if raw == nil {
		return nil, ErrNotFound
	}
	var k ApiKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("apikey: corrupt record: %w", err)
	}
	return &k, nil
}
