package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/apikey"
	internalaudit "github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/keyhash"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/rbac"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tokenstore"
)

// ResourceAPIKey is the rate-limit resource charged by API-key validation.
const ResourceAPIKey = "api_key"

// Builder assembles a Gateway. Configure it during initialization, call
// Build once, and discard it.
type Builder struct {
	config Config
	store  kv.Store
	logger *zap.Logger

	roles      map[string]rbac.Role
	principals PrincipalSource
	auditSink  AuditSink
	hasher     keyhash.Hasher
	tracer     trace.TracerProvider
	now        func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the key-value store holding all gateway state. Required.
func (b *Builder) WithStore(store kv.Store) *Builder {
	b.store = store
	return b
}

// WithLogger sets the logger shared by every component. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithRoles sets role definitions with inheritance.
func (b *Builder) WithRoles(roles map[string]rbac.Role) *Builder {
	b.roles = roles
	return b
}

// WithRolePermissions sets flat role definitions without inheritance.
func (b *Builder) WithRolePermissions(roles map[string][]string) *Builder {
	defs := make(map[string]rbac.Role, len(roles))
	for name, perms := range roles {
		defs[name] = rbac.Role{Permissions: perms}
	}
	b.roles = defs
	return b
}

// WithPrincipalSource sets the identity source consulted on login, refresh
// and API-key use. Without one, Login is unavailable and API keys carry
// only their scopes.
func (b *Builder) WithPrincipalSource(src PrincipalSource) *Builder {
	b.principals = src
	return b
}

// WithAuditSink sets the audit sink. Defaults to NoOpSink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithKeyHasher overrides the API-key hasher selected by APIKeyConfig.Hasher.
func (b *Builder) WithKeyHasher(h keyhash.Hasher) *Builder {
	b.hasher = h
	return b
}

// WithTracerProvider enables tracing spans. Defaults to a no-op provider.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracer = tp
	return b
}

// WithClock overrides the time source of every component. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the authenticate latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Gateway.
func (b *Builder) Build() (*Gateway, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- STORE --------
	store := kv.NewResilient(b.store, kv.ResilienceConfig{
		Timeout:        cfg.Store.Timeout,
		MaxRetries:     cfg.Store.MaxRetries,
		InitialBackoff: cfg.Store.InitialBackoff,
		MaxBackoff:     cfg.Store.MaxBackoff,
	}, logger.Named("kv"))

	// -------- TOKENS --------
	codec, err := jwt.NewCodec(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt codec: %w", err)
	}
	codec = codec.WithClock(now)

	tokens, err := tokenstore.New(store, codec, tokenstore.Config{
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	}, tokenstore.WithClock(now), tokenstore.WithLogger(logger.Named("tokenstore")))
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}

	// -------- ROLES --------
	roles, err := rbac.New(b.roles)
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}

	// -------- RATE LIMITS --------
	var limits *ratelimit.Registry
	if cfg.RateLimit.Enabled {
		limits, err = ratelimit.NewRegistry(store, cfg.RateLimit.Policy(), cfg.RateLimit.Overrides,
			ratelimit.WithClock(now), ratelimit.WithKeyPrefix(cfg.RateLimit.KeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("rate limits: %w", err)
		}
	}

	// -------- API KEYS --------
	hasher := b.hasher
	if hasher == nil {
		hasher, err = newKeyHasher(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("api key hasher: %w", err)
		}
	}
	keys, err := apikey.NewManager(store, hasher, apikey.Config{
		DefaultTTL:   cfg.APIKey.DefaultTTL,
		DefaultLimit: cfg.APIKey.DefaultLimit,
		Resource:     ResourceAPIKey,
	}, apikey.WithClock(now), apikey.WithLogger(logger.Named("apikey")))
	if err != nil {
		return nil, fmt.Errorf("api keys: %w", err)
	}

	// -------- SESSIONS --------
	sessions, err := session.NewManager(store, tokens, session.Config{
		MaxConcurrent: cfg.Session.MaxConcurrent,
		TTL:           cfg.Session.TTL,
	}, session.WithClock(now), session.WithLogger(logger.Named("session")))
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	sink := b.auditSink
	if sink == nil {
		sink = NoOpSink{}
	}
	tracer := defaultTracer()
	if b.tracer != nil {
		tracer = b.tracer.Tracer(tracerName)
	}

	g := &Gateway{
		config:     cfg,
		logger:     logger,
		store:      store,
		codec:      codec,
		tokens:     tokens,
		keys:       keys,
		limits:     limits,
		roles:      roles,
		sessions:   sessions,
		principals: b.principals,
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink),
		metrics: NewMetrics(cfg.Metrics),
		tracer:  tracer,
		now:     now,
	}
	g.flows = flows.New(g.flowDeps())

	b.built = true
	return g, nil
}

func newKeyHasher(cfg APIKeyConfig) (keyhash.Hasher, error) {
	switch cfg.Hasher {
	case "", "blake2b":
		return keyhash.NewKeyed(cloneBytes(cfg.Pepper))
	case "argon2id":
		return keyhash.NewArgon2(keyhash.DefaultArgon2Config())
	default:
		return nil, fmt.Errorf("unknown hasher %q", cfg.Hasher)
	}
}

// flowDeps binds the flow runners to the gateway's components.
func (g *Gateway) flowDeps() flows.Deps {
	var loadOwner flows.OwnerLoader
	if g.principals != nil {
		loadOwner = g.loadOwner
	}

	verifyAccess := func(token string) (*jwt.Claims, error) {
		return g.codec.Verify(token, jwt.TypeAccess)
	}
	verifyRefresh := func(token string) (*jwt.Claims, error) {
		return g.codec.Verify(token, jwt.TypeRefresh)
	}
	touch := func(ctx context.Context, sessionID string) error {
		_, err := g.sessions.Touch(ctx, sessionID)
		return err
	}

	return flows.Deps{
		Authenticate: flows.AuthenticateDeps{
			VerifyAccess:   verifyAccess,
			IsRevoked:      g.tokens.IsRevoked,
			ValidateAPIKey: g.keys.Validate,
			LoadOwner:      loadOwner,
		},
		Refresh: flows.RefreshDeps{
			VerifyRefresh: verifyRefresh,
			LookupFamily:  g.tokens.Family,
			Rotate:        g.tokens.Rotate,
			RevokeFamily:  g.tokens.RevokeFamily,
			TouchSession:  touch,
			LoadOwner:     loadOwner,
			Warn:          g.warn,
		},
		Login: flows.LoginDeps{
			LoadOwner:        loadOwner,
			NewFamilyID:      uuid.NewString,
			CreateSession:    g.sessions.Create,
			Issue:            g.tokens.Issue,
			TerminateSession: g.sessions.Terminate,
			Warn:             g.warn,
		},
	}
}
