package authgate

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/MrEthical07/authgate/kv/redisstore"
)

func TestSecurityInvariantStoreHoldsNoCredentials(t *testing.T) {
	mr, client := newTestRedis(t)
	g, err := New().
		WithConfig(testConfig(t)).
		WithStore(redisstore.New(client, "authgate-test")).
		WithRoles(testRoles).
		WithPrincipalSource(testPrincipals()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(g.Close)
	ctx := context.Background()

	res := login(t, g, "alice")
	pair, err := g.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	key, err := g.CreateAPIKey(ctx, "alice", []string{"read:entities"}, nil, 0)
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	if _, err := g.Authenticate(ctx, key.Plaintext); err != nil {
		t.Fatalf("Authenticate(api key) failed: %v", err)
	}

	secret := strings.TrimPrefix(key.Plaintext, key.Prefix+"_")
	needles := []string{
		res.Tokens.AccessToken,
		res.Tokens.RefreshToken,
		pair.AccessToken,
		pair.RefreshToken,
		key.Plaintext,
		secret,
	}

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("expected the store to hold state")
	}
	for _, k := range keys {
		v, err := mr.Get(k)
		if err != nil {
			continue
		}
		for _, needle := range needles {
			if strings.Contains(k, needle) || strings.Contains(v, needle) {
				t.Fatalf("credential material persisted under %q", k)
			}
		}
	}
}

func TestSecurityInvariantAuditCarriesNoSecrets(t *testing.T) {
	sink := NewChannelSink(256)
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, func(b *Builder) { b.WithAuditSink(sink) })
	ctx := WithClientIP(context.Background(), "198.51.100.20")

	res := login(t, g, "alice")
	if _, err := g.Refresh(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	_, _ = g.Refresh(ctx, res.Tokens.RefreshToken)
	key, err := g.CreateAPIKey(ctx, "alice", []string{"read:entities"}, nil, 0)
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	_ = g.Check(ctx, key.Plaintext, "write:entities")
	_ = g.Check(ctx, key.Plaintext+"x", "read:entities")

	g.Close()
	events := drainAudit(sink)
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}

	needles := []string{
		res.Tokens.AccessToken,
		res.Tokens.RefreshToken,
		key.Plaintext,
		base64.StdEncoding.EncodeToString(cfg.APIKey.Pepper),
	}
	for _, ev := range events {
		for _, needle := range needles {
			if strings.Contains(ev.Reason, needle) {
				t.Fatalf("secret leaked in %s reason", ev.Type)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("secret leaked in %s metadata", ev.Type)
				}
			}
		}
	}
}

func TestSecurityInvariantConfigIsolatedAfterBuild(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, nil)

	before := g.Config().APIKey.Pepper[0]
	cfg.APIKey.Pepper[0] = before ^ 0xff
	cfg.RateLimit.Overrides[ResourceLogin] = cfg.RateLimit.Policy()

	got := g.Config()
	if got.APIKey.Pepper[0] != before {
		t.Fatal("gateway pepper mutated through the caller's config")
	}
	got.APIKey.Pepper[0] = before ^ 0xff
	if g.Config().APIKey.Pepper[0] != before {
		t.Fatal("gateway pepper mutated through Config()")
	}
}
