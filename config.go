package authgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/ratelimit"
)

// Config is the complete Gateway configuration. Start from [DefaultConfig]
// and override, or load it with [LoadConfigFromEnv] / [LoadConfigFile].
type Config struct {
	JWT       JWTConfig       `yaml:"jwt"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	APIKey    APIKeyConfig    `yaml:"api_key"`
	Store     StoreConfig     `yaml:"store"`
	Security  SecurityConfig  `yaml:"security"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures bearer token signing and lifetimes.
type JWTConfig struct {
	AccessTTL     time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
	RefreshTTL    time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL"`
	SigningMethod string        `yaml:"signing_method" env:"JWT_SIGNING_METHOD"` // "ed25519" (default), "hs256" optional
	// PrivateKey is the HS256 secret or the Ed25519 private key (raw or PEM).
	PrivateKey     []byte        `yaml:"-" env:"JWT_PRIVATE_KEY"`
	PublicKey      []byte        `yaml:"-" env:"JWT_PUBLIC_KEY"`
	PrivateKeyFile string        `yaml:"private_key_file" env:"JWT_PRIVATE_KEY_FILE"`
	PublicKeyFile  string        `yaml:"public_key_file" env:"JWT_PUBLIC_KEY_FILE"`
	KeyID          string        `yaml:"key_id" env:"JWT_KEY_ID"`
	Issuer         string        `yaml:"issuer" env:"JWT_ISSUER"`
	Audience       string        `yaml:"audience" env:"JWT_AUDIENCE"`
	Leeway         time.Duration `yaml:"leeway" env:"JWT_LEEWAY"`
	// VerifyKeys holds retired verification keys by kid.
	VerifyKeys map[string][]byte `yaml:"-"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig caps and times out logins.
type SessionConfig struct {
	// MaxConcurrent caps live sessions per subject. Zero disables the cap.
	MaxConcurrent int `yaml:"max_concurrent_sessions" env:"MAX_CONCURRENT_SESSIONS"`
	// TTL is the idle lifetime of a session; every refresh slides it.
	TTL time.Duration `yaml:"ttl" env:"SESSION_TTL"`
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig defines the default admission policy and per-resource
// overrides. Resources used by the Gateway are "authenticate", "refresh" and
// "login".
type RateLimitConfig struct {
	Enabled    bool                        `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Strategy   ratelimit.Strategy          `yaml:"strategy" env:"RATE_LIMIT_STRATEGY"`
	Capacity   int                         `yaml:"capacity" env:"RATE_LIMIT_CAPACITY"`
	RefillRate float64                     `yaml:"refill_rate" env:"RATE_LIMIT_REFILL_RATE"`
	Window     time.Duration               `yaml:"window" env:"RATE_LIMIT_WINDOW"`
	Advisory   bool                        `yaml:"advisory" env:"RATE_LIMIT_ADVISORY"`
	KeyPrefix  string                      `yaml:"key_prefix" env:"RATE_LIMIT_KEY_PREFIX"`
	Overrides  map[string]ratelimit.Policy `yaml:"overrides"`
}

// Policy returns the default policy described by c.
func (c RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		Strategy:   c.Strategy,
		Capacity:   c.Capacity,
		RefillRate: c.RefillRate,
		Window:     c.Window,
		Advisory:   c.Advisory,
	}
}

/*
====================================
API KEY CONFIG
====================================
*/

// APIKeyConfig configures key hashing and defaults for new keys.
type APIKeyConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" env:"API_KEY_DEFAULT_TTL"`
	// DefaultLimit applies to keys created without their own policy.
	DefaultLimit ratelimit.Policy `yaml:"default_limit"`
	// Hasher is "blake2b" (default, needs Pepper) or "argon2id".
	Hasher     string `yaml:"hasher" env:"API_KEY_HASHER"`
	Pepper     []byte `yaml:"-" env:"API_KEY_PEPPER"`
	PepperFile string `yaml:"pepper_file" env:"API_KEY_PEPPER_FILE"`
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig bounds every call to the backing key-value store.
type StoreConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"STORE_TIMEOUT"`
	MaxRetries     uint          `yaml:"max_retries" env:"STORE_MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"STORE_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"STORE_MAX_BACKOFF"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds deployment-wide hardening switches.
type SecurityConfig struct {
	ProductionMode bool `yaml:"production_mode" env:"PRODUCTION_MODE"`
	// FailClosedOnStoreTimeout rejects requests when the store is unreachable,
	// even for rate-limit policies marked advisory. Credential checks always
	// fail closed.
	FailClosedOnStoreTimeout bool `yaml:"fail_closed_on_store_timeout" env:"FAIL_CLOSED_ON_STORE_TIMEOUT"`
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	BufferSize int  `yaml:"buffer_size" env:"AUDIT_BUFFER_SIZE"`
	DropIfFull bool `yaml:"drop_if_full" env:"AUDIT_DROP_IF_FULL"`
}

// MetricsConfig toggles in-process metrics.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" env:"METRICS_ENABLED"`
	EnableLatencyHistograms bool `yaml:"latency_histograms" env:"METRICS_LATENCY_HISTOGRAMS"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns a configuration suitable for development. Key
// material must still be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authgate",
		},
		Session: SessionConfig{
			MaxConcurrent: 5,
			TTL:           7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Strategy:   ratelimit.TokenBucket,
			Capacity:   60,
			RefillRate: 1,
			KeyPrefix:  "rl",
			Overrides: map[string]ratelimit.Policy{
				ResourceLogin: {
					Strategy: ratelimit.FixedWindow,
					Capacity: 10,
					Window:   time.Minute,
				},
				ResourceRefresh: {
					Strategy: ratelimit.SlidingWindow,
					Capacity: 30,
					Window:   time.Minute,
				},
			},
		},
		APIKey: APIKeyConfig{
			DefaultTTL: 90 * 24 * time.Hour,
			DefaultLimit: ratelimit.Policy{
				Strategy:   ratelimit.TokenBucket,
				Capacity:   100,
				RefillRate: 10,
			},
			Hasher: "blake2b",
		},
		Store: StoreConfig{
			Timeout:        250 * time.Millisecond,
			MaxRetries:     2,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
		},
		Security: SecurityConfig{
			FailClosedOnStoreTimeout: true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// HighSecurityConfig tightens DefaultConfig for internet-facing deployments.
func HighSecurityConfig() Config {
	cfg := DefaultConfig()
	cfg.Security.ProductionMode = true
	cfg.JWT.AccessTTL = 2 * time.Minute
	cfg.JWT.RefreshTTL = 24 * time.Hour
	cfg.Session.MaxConcurrent = 3
	cfg.Session.TTL = 24 * time.Hour
	cfg.RateLimit.Strategy = ratelimit.SlidingWindow
	cfg.RateLimit.Capacity = 30
	cfg.RateLimit.RefillRate = 0
	cfg.RateLimit.Window = time.Minute
	cfg.APIKey.DefaultTTL = 30 * 24 * time.Hour
	cfg.Audit.DropIfFull = false
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.APIKey.Pepper = cloneBytes(cfg.APIKey.Pepper)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	if cfg.RateLimit.Overrides != nil {
		out.RateLimit.Overrides = make(map[string]ratelimit.Policy, len(cfg.RateLimit.Overrides))
		for resource, p := range cfg.RateLimit.Overrides {
			out.RateLimit.Overrides[resource] = p
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Session
	if c.Session.MaxConcurrent < 0 {
		return errors.New("Session MaxConcurrent must be >= 0")
	}
	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}

	// Rate limiting
	if c.RateLimit.Enabled {
		if err := c.RateLimit.Policy().Validate(); err != nil {
			return fmt.Errorf("RateLimit default policy: %w", err)
		}
		for resource, p := range c.RateLimit.Overrides {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("RateLimit override %q: %w", resource, err)
			}
		}
	}

	// API keys
	if c.APIKey.DefaultTTL < 0 {
		return errors.New("APIKey DefaultTTL must be >= 0")
	}
	if err := c.APIKey.DefaultLimit.Validate(); err != nil {
		return fmt.Errorf("APIKey DefaultLimit: %w", err)
	}
	switch c.APIKey.Hasher {
	case "blake2b":
		if len(c.APIKey.Pepper) < 32 {
			return errors.New("blake2b API key hashing requires a Pepper of at least 32 bytes")
		}
	case "argon2id":
	default:
		return errors.New("APIKey Hasher must be 'blake2b' or 'argon2id'")
	}

	// Store
	if c.Store.Timeout <= 0 {
		return errors.New("Store Timeout must be > 0")
	}
	if c.Store.MaxBackoff < c.Store.InitialBackoff {
		return errors.New("Store MaxBackoff must be >= InitialBackoff")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	// Production hardening
	if c.Security.ProductionMode {
		if !c.Security.FailClosedOnStoreTimeout {
			return errors.New("ProductionMode requires FailClosedOnStoreTimeout")
		}
		if !c.RateLimit.Enabled {
			return errors.New("ProductionMode requires rate limiting")
		}
	}
	return nil
}
