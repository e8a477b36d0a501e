package tokenstore

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

	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/kv"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store *Store
	codec *jwt.Codec
	kv    *kv.Memory
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Now().Truncate(time.Second)}
	codec, err := jwt.NewCodec(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    bytes.Repeat([]byte("k"), 32),
		Issuer:        "authgate-test",
	})
	require.NoError(t, err)
	codec.WithClock(clock.Now)

	mem := kv.NewMemory()
	s, err := New(mem, codec, Config{AccessTTL: 5 * time.Minute, RefreshTTL: time.Hour}, WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{store: s, codec: codec, kv: mem, clock: clock}
}

func (f *fixture) issue(t *testing.T) *Pair {
	t.Helper()
	pair, err := f.store.Issue(context.Background(), Grant{
		Subject:   "user-1",
		Roles:     []string{"editor"},
		Perms:     []string{"read:entities"},
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	return pair
}

func TestIssueProducesVerifiablePair(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	access, err := f.codec.Verify(pair.AccessToken, jwt.TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", access.Subject)
	assert.Equal(t, []string{"editor"}, access.Roles)
	assert.Equal(t, pair.AccessTokenID, access.ID)
	assert.Empty(t, access.FamilyID)

	refresh, err := f.codec.Verify(pair.RefreshToken, jwt.TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, pair.FamilyID, refresh.FamilyID)
	assert.Equal(t, pair.RefreshTokenID, refresh.ID)

	info, err := f.store.Lookup(context.Background(), pair.RefreshTokenID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, 1, info.Live)
	assert.False(t, info.Revoked)
}

func TestIssueRejectsDuplicateFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Issue(ctx, Grant{Subject: "u", FamilyID: "fam-x"})
	require.NoError(t, err)
	_, err = f.store.Issue(ctx, Grant{Subject: "u", FamilyID: "fam-x"})
	assert.ErrorIs(t, err, ErrFamilyExists)
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.issue(t)

	second, err := f.store.Rotate(ctx, first.RefreshTokenID)
	require.NoError(t, err)
	assert.Equal(t, first.FamilyID, second.FamilyID)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RefreshTokenID, second.RefreshTokenID)

	_, err = f.store.Rotate(ctx, first.RefreshTokenID)
	require.ErrorIs(t, err, ErrReused)

	for _, id := range []string{first.AccessTokenID, second.AccessTokenID, second.RefreshTokenID} {
		revoked, err := f.store.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.True(t, revoked, "token %s should be revoked", id)
	}

	_, err = f.store.Rotate(ctx, second.RefreshTokenID)
	assert.ErrorIs(t, err, ErrRevoked)

	info, err := f.store.Family(ctx, first.FamilyID)
	require.NoError(t, err)
	assert.True(t, info.Revoked)
}

func TestRotateChainKeepsOneLiveToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t)
	for i := 0; i < 5; i++ {
		next, err := f.store.Rotate(ctx, pair.RefreshTokenID)
		require.NoError(t, err)
		pair = next
		f.clock.Advance(time.Minute)
	}
	info, err := f.store.Family(ctx, pair.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Live)
}

func TestConcurrentRotationHasSingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		pair := f.issue(t)

		const racers = 2
		results := make([]error, racers)
		pairs := make([]*Pair, racers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				pairs[i], results[i] = f.store.Rotate(context.Background(), pair.RefreshTokenID)
			}(i)
		}
		close(start)
		wg.Wait()

		wins := 0
		var winner *Pair
		for i, err := range results {
			if err == nil {
				wins++
				winner = pairs[i]
				continue
			}
			assert.True(t, errors.Is(err, ErrReused) || errors.Is(err, ErrRevoked), "unexpected error %v", err)
		}
		require.Equal(t, 1, wins, "round %d", round)

		revoked, err := f.store.IsRevoked(context.Background(), winner.AccessTokenID)
		require.NoError(t, err)
		assert.True(t, revoked, "reuse must revoke the winner's tokens too")
	}
}

func TestRotateUnknownAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Rotate(ctx, "no-such-token")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.store.Rotate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalid)

	pair := f.issue(t)
	f.clock.Advance(2 * time.Hour)
	_, err = f.store.Rotate(ctx, pair.RefreshTokenID)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRevokeFamilyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t)

	n, err := f.store.RevokeFamily(ctx, pair.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.store.RevokeFamily(ctx, pair.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.store.RevokeFamily(ctx, "missing-family")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeFamilyRepairsPartialRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t)

	flaky := &flakyRevocations{Store: f.kv, failures: 1}
	s, err := New(flaky, f.codec, Config{AccessTTL: 5 * time.Minute, RefreshTTL: time.Hour}, WithClock(f.clock.Now))
	require.NoError(t, err)

	_, err = s.RevokeFamily(ctx, pair.FamilyID)
	require.ErrorIs(t, err, kv.ErrUnavailable)

	info, err := s.Family(ctx, pair.FamilyID)
	require.NoError(t, err)
	assert.False(t, info.Revoked, "flag must not be committed before the entries")

	n, err := s.RevokeFamily(ctx, pair.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range []string{pair.AccessTokenID, pair.RefreshTokenID} {
		revoked, err := s.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.True(t, revoked, id)
	}
}

func TestRevokeFamilyRewritesEntriesOfRevokedFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t)

	_, err := f.store.RevokeFamily(ctx, pair.FamilyID)
	require.NoError(t, err)
	require.NoError(t, f.kv.Delete(ctx, revokedPrefix+pair.AccessTokenID))

	_, err = f.store.RevokeFamily(ctx, pair.FamilyID)
	require.NoError(t, err)
	revoked, err := f.store.IsRevoked(ctx, pair.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeUnknownFamilyBlocksLaterIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.store.RevokeFamily(ctx, "fam-evicted")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.store.Issue(ctx, Grant{Subject: "user-1", FamilyID: "fam-evicted"})
	assert.ErrorIs(t, err, ErrFamilyExists)

	info, err := f.store.Family(ctx, "fam-evicted")
	require.NoError(t, err)
	assert.True(t, info.Revoked)
}

func TestRevokeSingleToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t)

	require.NoError(t, f.store.Revoke(ctx, pair.AccessTokenID, pair.AccessExpiresAt))
	revoked, err := f.store.IsRevoked(ctx, pair.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = f.store.IsRevoked(ctx, pair.RefreshTokenID)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, f.store.Revoke(ctx, "already-dead", f.clock.Now().Add(-time.Second)))
	revoked, err = f.store.IsRevoked(ctx, "already-dead")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestStoreFailuresPropagate(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	broken, err := New(failingStore{Store: f.kv}, f.codec, Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})
	require.NoError(t, err)

	_, err = broken.Rotate(context.Background(), pair.RefreshTokenID)
	assert.ErrorIs(t, err, kv.ErrUnavailable)
	_, err = broken.IsRevoked(context.Background(), pair.AccessTokenID)
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}

func TestNewValidatesArguments(t *testing.T) {
	f := newFixture(t)
	_, err := New(nil, f.codec, Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})
	assert.Error(t, err)
	_, err = New(f.kv, f.codec, Config{AccessTTL: 0, RefreshTTL: time.Hour})
	assert.Error(t, err)
}

type failingStore struct {
	kv.Store
}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrUnavailable }

// flakyRevocations fails the first n revocation-set writes.
type flakyRevocations struct {
	kv.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyRevocations) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.HasPrefix(key, revokedPrefix) {
		s.mu.Lock()
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			return kv.ErrUnavailable
		}
	}
	return s.Store.Put(ctx, key, value, ttl)
}
