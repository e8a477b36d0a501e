package authgate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/kv/redisstore"
	"github.com/MrEthical07/authgate/rbac"
)

var testRoles = map[string]rbac.Role{
	"viewer": {Permissions: []string{"read:entities"}},
	"editor": {Permissions: []string{"write:entities"}, Inherits: []string{"viewer"}},
	"admin":  {Permissions: []string{"manage:*"}},
}

func testConfig(t testing.TB) Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		t.Fatalf("generate pepper: %v", err)
	}

	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.APIKey.Pepper = pepper
	cfg.Audit.BufferSize = 256
	cfg.Audit.DropIfFull = false
	return cfg
}

func testPrincipals() *StaticPrincipals {
	return NewStaticPrincipals(
		Principal{ID: "alice", Roles: []string{"editor"}, Active: true},
		Principal{ID: "root", Roles: []string{"admin"}, Active: true},
		Principal{ID: "bob", Roles: []string{"editor"}, Active: false},
	)
}

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// newTestGateway builds a Redis-backed gateway. configure may adjust the
// builder before Build.
func newTestGateway(t testing.TB, cfg Config, configure func(*Builder)) *Gateway {
	t.Helper()

	_, client := newTestRedis(t)
	b := New().
		WithConfig(cfg).
		WithStore(redisstore.New(client, "authgate-test")).
		WithRoles(testRoles).
		WithPrincipalSource(testPrincipals())
	if configure != nil {
		configure(b)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func login(t testing.TB, g *Gateway, subject string) *LoginResult {
	t.Helper()

	ctx := WithUserAgent(context.Background(), "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0")
	res, err := g.Login(ctx, subject)
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", subject, err)
	}
	return res
}

func drainAudit(sink *ChannelSink) []AuditEvent {
	var out []AuditEvent
	for {
		select {
		case e := <-sink.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func findAudit(events []AuditEvent, eventType string) (AuditEvent, bool) {
	for _, e := range events {
		if e.Type == eventType {
			return e, true
		}
	}
	return AuditEvent{}, false
}

// stepClock is a manually advanced time source.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Now().UTC()}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// downStore fails every call as an unreachable backend would.
type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrUnavailable }

func (downStore) Put(context.Context, string, []byte, time.Duration) error { return kv.ErrUnavailable }

func (downStore) Delete(context.Context, string) error { return kv.ErrUnavailable }

func (downStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, kv.ErrUnavailable
}

// revocationOutage wraps a store and fails writes to the revocation set
// while armed.
type revocationOutage struct {
	kv.Store
	armed atomic.Bool
}

func (s *revocationOutage) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.armed.Load() && strings.HasPrefix(key, "rv:") {
		return kv.ErrUnavailable
	}
	return s.Store.Put(ctx, key, value, ttl)
}
