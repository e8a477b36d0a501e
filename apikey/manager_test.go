package apikey

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authgate/keyhash"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/ratelimit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *kv.Memory, *clock) {
	t.Helper()
	hasher, err := keyhash.NewKeyed(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := kv.NewMemory()
	m, err := NewManager(mem, hasher, Config{
		DefaultTTL:   24 * time.Hour,
		DefaultLimit: ratelimit.Policy{Strategy: ratelimit.TokenBucket, Capacity: 100, RefillRate: 10},
	}, WithClock(c.Now))
	require.NoError(t, err)
	return m, mem, c
}

func TestCreateAndValidate(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "owner-1", []string{"read:entities", "write:*"}, nil, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Plaintext, created.Prefix+"_"))
	assert.Equal(t, c.Now().Add(24*time.Hour), created.ExpiresAt)

	c.Advance(time.Minute)
	key, err := m.Validate(ctx, created.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, created.ID, key.ID)
	assert.Equal(t, "owner-1", key.OwnerID)
	assert.Equal(t, []string{"read:entities", "write:*"}, key.Scopes)
	assert.Equal(t, c.Now(), key.LastUsedAt)

	stored, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Now(), stored.LastUsedAt)
}

func TestSecretIsNeverStored(t *testing.T) {
	m, mem, _ := newManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "owner-1", nil, nil, 0)
	require.NoError(t, err)
	_, secret, _ := strings.Cut(created.Plaintext, "_")

	raw, err := mem.Get(ctx, prefixKey+created.Prefix)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)

	stored, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.SecretHash, secret)
	assert.True(t, strings.HasPrefix(stored.SecretHash, "$b2k$"))
}

func TestValidateRejectsBadKeys(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "owner-1", nil, nil, 0)
	require.NoError(t, err)
	prefix, secret, _ := strings.Cut(created.Plaintext, "_")

	wrongSecret := prefix + "_" + strings.Repeat("A", len(secret))
	unknownPrefix := "aaaaaaaa_" + secret

	for name, presented := range map[string]string{
		"wrong secret":   wrongSecret,
		"unknown prefix": unknownPrefix,
		"no separator":   prefix + secret,
		"empty":          "",
		"short secret":   prefix + "_abc",
	} {
		_, err := m.Validate(ctx, presented)
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestRevokedKeyIsRejected(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "owner-1", nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, created.ID))
	require.NoError(t, m.Revoke(ctx, created.ID))

	_, err = m.Validate(ctx, created.Plaintext)
	assert.ErrorIs(t, err, ErrInvalid)

	stored, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	assert.ErrorIs(t, m.Revoke(ctx, "missing"), ErrNotFound)
}

func TestExpiredKeyIsRejected(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "owner-1", nil, nil, time.Hour)
	require.NoError(t, err)
	c.Advance(time.Hour)

	_, err = m.Validate(ctx, created.Plaintext)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPerKeyRateLimit(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	limit := &ratelimit.Policy{Strategy: ratelimit.FixedWindow, Capacity: 3, Window: time.Minute}
	limited, err := m.Create(ctx, "owner-1", nil, limit, 0)
	require.NoError(t, err)
	other, err := m.Create(ctx, "owner-1", nil, limit, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Validate(ctx, limited.Plaintext)
		require.NoError(t, err)
	}
	_, err = m.Validate(ctx, limited.Plaintext)
	require.ErrorIs(t, err, ErrRateLimited)
	var le *LimitedError
	require.True(t, errors.As(err, &le))
	assert.Greater(t, le.RetryAfter, time.Duration(0))

	_, err = m.Validate(ctx, other.Plaintext)
	assert.NoError(t, err, "limits are tracked per key id")
}

func TestWrongSecretDoesNotConsumeQuota(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	limit := &ratelimit.Policy{Strategy: ratelimit.FixedWindow, Capacity: 1, Window: time.Minute}
	created, err := m.Create(ctx, "owner-1", nil, limit, 0)
	require.NoError(t, err)
	prefix, secret, _ := strings.Cut(created.Plaintext, "_")

	for i := 0; i < 5; i++ {
		_, err := m.Validate(ctx, prefix+"_"+strings.Repeat("B", len(secret)))
		require.ErrorIs(t, err, ErrInvalid)
	}
	_, err = m.Validate(ctx, created.Plaintext)
	assert.NoError(t, err)
}

func TestCreateValidatesInput(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "", nil, nil, 0)
	assert.Error(t, err)
	_, err = m.Create(ctx, "owner", []string{"nocolon"}, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, err = m.Create(ctx, "owner", nil, &ratelimit.Policy{Strategy: ratelimit.TokenBucket, Capacity: 1}, 0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)
	_, err = m.Create(ctx, "owner", nil, nil, -time.Second)
	assert.Error(t, err)
}

func TestListByOwner(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		created, err := m.Create(ctx, "owner-1", nil, nil, 0)
		require.NoError(t, err)
		ids = append(ids, created.ID)
		c.Advance(time.Second)
	}
	_, err := m.Create(ctx, "owner-2", nil, nil, 0)
	require.NoError(t, err)

	keys, err := m.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for i, k := range keys {
		assert.Equal(t, ids[i], k.ID)
	}

	none, err := m.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestValidateSurfacesStoreFailure(t *testing.T) {
	m, _, _ := newManager(t)
	m.kv = unavailable{}
	_, err := m.Validate(context.Background(), "aaaaaaaa_"+strings.Repeat("x", 43))
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}

type unavailable struct{}

func (unavailable) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrUnavailable }
func (unavailable) Put(context.Context, string, []byte, time.Duration) error {
	return kv.ErrUnavailable
}
func (unavailable) Delete(context.Context, string) error { return kv.ErrUnavailable }
func (unavailable) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, kv.ErrUnavailable
}
