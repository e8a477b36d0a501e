package authgate

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/ratelimit"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{"test config", func(*Config) {}, true},
		{"leeway valid", func(c *Config) { c.JWT.Leeway = 45 * time.Second }, true},
		{"leeway too large", func(c *Config) { c.JWT.Leeway = 3 * time.Minute }, false},
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }, false},
		{"refresh shorter than access", func(c *Config) { c.JWT.RefreshTTL = time.Minute }, false},
		{"ed25519 without public key", func(c *Config) { c.JWT.PublicKey = nil }, false},
		{"hs256 short secret", func(c *Config) {
			c.JWT.SigningMethod = "hs256"
			c.JWT.PrivateKey = []byte("short")
		}, false},
		{"hs256 valid secret", func(c *Config) {
			c.JWT.SigningMethod = "hs256"
			c.JWT.PrivateKey = []byte(strings.Repeat("k", 32))
		}, true},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }, false},
		{"negative session cap", func(c *Config) { c.Session.MaxConcurrent = -1 }, false},
		{"unknown strategy", func(c *Config) { c.RateLimit.Strategy = "random" }, false},
		{"disabled limits skip policy checks", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.Capacity = 0
		}, true},
		{"bad override", func(c *Config) {
			c.RateLimit.Overrides[ResourceLogin] = ratelimit.Policy{Strategy: ratelimit.SlidingWindow, Capacity: 5}
		}, false},
		{"leaky bucket default", func(c *Config) {
			c.RateLimit.Strategy = ratelimit.LeakyBucket
			c.RateLimit.RefillRate = 5
		}, true},
		{"short pepper", func(c *Config) { c.APIKey.Pepper = []byte("pepper") }, false},
		{"argon2 needs no pepper", func(c *Config) {
			c.APIKey.Hasher = "argon2id"
			c.APIKey.Pepper = nil
		}, true},
		{"unknown hasher", func(c *Config) { c.APIKey.Hasher = "md5" }, false},
		{"zero store timeout", func(c *Config) { c.Store.Timeout = 0 }, false},
		{"audit without buffer", func(c *Config) { c.Audit.BufferSize = 0 }, false},
		{"production mode fail open", func(c *Config) {
			c.Security.ProductionMode = true
			c.Security.FailClosedOnStoreTimeout = false
		}, false},
		{"production mode without limits", func(c *Config) {
			c.Security.ProductionMode = true
			c.RateLimit.Enabled = false
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := testConfig(t)
	clone := cloneConfig(cfg)

	clone.JWT.PrivateKey[0] ^= 0xff
	clone.RateLimit.Overrides[ResourceLogin] = ratelimit.Policy{}
	if cfg.JWT.PrivateKey[0] == clone.JWT.PrivateKey[0] {
		t.Fatal("private key shared between clones")
	}
	if cfg.RateLimit.Overrides[ResourceLogin].Capacity == 0 {
		t.Fatal("overrides shared between clones")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())

	pepper := strings.Repeat("p", 32)
	t.Setenv("AUTHGATE_ACCESS_TOKEN_TTL", "2m")
	t.Setenv("AUTHGATE_REFRESH_TOKEN_TTL", "48h")
	t.Setenv("AUTHGATE_MAX_CONCURRENT_SESSIONS", "3")
	t.Setenv("AUTHGATE_RATE_LIMIT_STRATEGY", "leakyBucket")
	t.Setenv("AUTHGATE_RATE_LIMIT_CAPACITY", "20")
	t.Setenv("AUTHGATE_RATE_LIMIT_REFILL_RATE", "2.5")
	t.Setenv("AUTHGATE_FAIL_CLOSED_ON_STORE_TIMEOUT", "false")
	t.Setenv("AUTHGATE_API_KEY_PEPPER", base64.StdEncoding.EncodeToString([]byte(pepper)))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv failed: %v", err)
	}
	if cfg.JWT.AccessTTL != 2*time.Minute || cfg.JWT.RefreshTTL != 48*time.Hour {
		t.Fatalf("unexpected ttls: %s / %s", cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	}
	if cfg.Session.MaxConcurrent != 3 {
		t.Fatalf("MaxConcurrent = %d", cfg.Session.MaxConcurrent)
	}
	p := cfg.RateLimit.Policy()
	if p.Strategy != ratelimit.LeakyBucket || p.Capacity != 20 || p.RefillRate != 2.5 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if cfg.Security.FailClosedOnStoreTimeout {
		t.Fatal("expected fail-closed disabled")
	}
	if string(cfg.APIKey.Pepper) != pepper {
		t.Fatalf("pepper not decoded: %q", cfg.APIKey.Pepper)
	}
	// untouched settings keep their defaults
	if cfg.APIKey.DefaultTTL != DefaultConfig().APIKey.DefaultTTL {
		t.Fatalf("DefaultTTL = %s", cfg.APIKey.DefaultTTL)
	}
}

func TestLoadConfigFromEnvDotenvAndKeyFiles(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	keyFile := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(keyFile, []byte(strings.Repeat("s", 40)), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	dotenv := "AUTHGATE_JWT_SIGNING_METHOD=hs256\nAUTHGATE_JWT_PRIVATE_KEY_FILE=" + keyFile + "\nAUTHGATE_SESSION_TTL=12h\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("AUTHGATE_SESSION_TTL", "6h")
	t.Cleanup(func() {
		_ = os.Unsetenv("AUTHGATE_JWT_SIGNING_METHOD")
		_ = os.Unsetenv("AUTHGATE_JWT_PRIVATE_KEY_FILE")
	})

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv failed: %v", err)
	}
	if cfg.JWT.SigningMethod != "hs256" {
		t.Fatalf("SigningMethod = %q", cfg.JWT.SigningMethod)
	}
	if len(cfg.JWT.PrivateKey) != 40 {
		t.Fatalf("expected key file contents, got %d bytes", len(cfg.JWT.PrivateKey))
	}
	if cfg.Session.TTL != 6*time.Hour {
		t.Fatalf("process environment must win over .env, got %s", cfg.Session.TTL)
	}
}

func TestLoadConfigFromEnvRejectsBadBase64(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTHGATE_API_KEY_PEPPER", "not base64!")

	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for invalid base64 key material")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authgate.yaml")
	doc := `
jwt:
  access_token_ttl: 3m
  issuer: billing
session:
  max_concurrent_sessions: 4
rate_limit:
  strategy: sliding
  capacity: 50
  window: 1m
  overrides:
    refresh:
      strategy: tokenBucket
      capacity: 5
      refillRate: 0.5
security:
  fail_closed_on_store_timeout: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if cfg.JWT.AccessTTL != 3*time.Minute || cfg.JWT.Issuer != "billing" {
		t.Fatalf("unexpected jwt section: %+v", cfg.JWT)
	}
	if cfg.Session.MaxConcurrent != 4 {
		t.Fatalf("MaxConcurrent = %d", cfg.Session.MaxConcurrent)
	}
	if cfg.RateLimit.Strategy != ratelimit.SlidingWindow || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("unexpected rate limit section: %+v", cfg.RateLimit)
	}
	refresh := cfg.RateLimit.Overrides[ResourceRefresh]
	if refresh.Strategy != ratelimit.TokenBucket || refresh.RefillRate != 0.5 {
		t.Fatalf("unexpected refresh override: %+v", refresh)
	}
	if cfg.JWT.RefreshTTL != DefaultConfig().JWT.RefreshTTL {
		t.Fatalf("unset fields must keep defaults, RefreshTTL = %s", cfg.JWT.RefreshTTL)
	}
}
