package authgate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/apikey"
	"github.com/MrEthical07/authgate/internal"
	internalaudit "github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/rbac"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tokenstore"
)

// Rate-limit resources used by the Gateway.
const (
	ResourceAuthenticate = "authenticate"
	ResourceRefresh      = "refresh"
	ResourceLogin        = "login"
)

// Gateway orchestrates rate limiting, credential verification and
// authorization for every incoming call. It is the only type the routing
// layer needs. Build one with [New].
//
// All methods are safe for concurrent use. Errors returned by Gateway
// methods are always *AuthError.
type Gateway struct {
	config     Config
	logger     *zap.Logger
	store      kv.Store
	codec      *jwt.Codec
	tokens     *tokenstore.Store
	keys       *apikey.Manager
	limits     *ratelimit.Registry
	roles      *rbac.Resolver
	sessions   *session.Manager
	principals PrincipalSource
	audit      *internalaudit.Dispatcher
	metrics    *Metrics
	tracer     trace.Tracer
	flows      flows.Service
	now        func() time.Time
	closed     atomic.Bool
}

// Close flushes the audit dispatcher. The Gateway must not be used afterwards.
func (g *Gateway) Close() {
	if g == nil || !g.closed.CompareAndSwap(false, true) {
		return
	}
	g.audit.Close()
	_ = g.logger.Sync()
}

// MetricsSnapshot returns a copy of all in-process metrics.
func (g *Gateway) MetricsSnapshot() MetricsSnapshot {
	return g.metrics.Snapshot()
}

// Metrics exposes the live metrics for exporters.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// AuditDropped returns how many audit events were dropped because the
// dispatcher buffer was full.
func (g *Gateway) AuditDropped() uint64 {
	return g.audit.Dropped()
}

// Config returns a copy of the active configuration.
func (g *Gateway) Config() Config {
	return cloneConfig(g.config)
}

// HealthStatus is returned by Health.
type HealthStatus struct {
	StoreReachable bool
	StoreLatency   time.Duration
	StoreError     string
	RolesVersion   uint64
	AuditDropped   uint64
}

const healthProbeKey = "authgate:health"

// Health probes the backing store within the configured store timeout.
func (g *Gateway) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, g.config.Store.Timeout)
	defer cancel()

	start := time.Now()
	var err error
	if p, ok := g.store.(kv.Pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, err = g.store.Get(ctx, healthProbeKey)
		if errors.Is(err, kv.ErrNotFound) {
			err = nil
		}
	}
	st := HealthStatus{
		StoreReachable: err == nil,
		StoreLatency:   time.Since(start),
		RolesVersion:   g.roles.Version(),
		AuditDropped:   g.audit.Dropped(),
	}
	if err != nil {
		st.StoreError = err.Error()
	}
	return st
}

// anonymousIdentity is the shared bucket for callers with neither a client IP
// nor a stable credential identity.
const anonymousIdentity = "anon"

// rateIdentity keys rate limits by client IP when the transport supplied one.
// Otherwise it uses the part of the credential a guesser cannot vary: the
// subject for login and the key prefix for API keys. Bearer tokens share one
// bucket until their signature has been checked.
func rateIdentity(ctx context.Context, resource, credential string) string {
	if ip := clientIPFromContext(ctx); ip != "" {
		return "ip:" + ip
	}
	if resource == ResourceLogin && credential != "" {
		return "sub:" + internal.Fingerprint(credential)
	}
	if prefix, _, err := internal.SplitAPIKey(credential); err == nil {
		return "key:" + prefix
	}
	return anonymousIdentity
}

// admit consumes one unit of the resource's rate limit. Store faults fail
// closed unless the policy is advisory and fail-closed enforcement is off.
func (g *Gateway) admit(ctx context.Context, resource, credential string) (ratelimit.Decision, *AuthError) {
	if g.limits == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d, err := g.limits.CheckAndConsume(ctx, rateIdentity(ctx, resource, credential), resource, 1)
	if err != nil {
		ae := classify(err)
		if ae.Kind == KindStoreUnavailable {
			g.metrics.Inc(MetricStoreUnavailable)
			if g.limits.For(resource).Policy().Advisory && !g.config.Security.FailClosedOnStoreTimeout {
				g.metrics.Inc(MetricRateLimitFailOpen)
				g.logger.Warn("rate limit store unavailable, failing open",
					zap.String("resource", resource), zap.Error(err))
				g.emitAudit(ctx, auditEventRateLimitFailOpen, AuditWarning, false,
					auditFields{resource: resource}, ae, nil)
				return ratelimit.Decision{Allowed: true}, nil
			}
		}
		return d, ae
	}
	if !d.Allowed {
		g.emitRateLimit(ctx, resource, d.RetryAfter)
		return d, rateLimited(d.RetryAfter)
	}
	return d, nil
}

func (g *Gateway) loadOwner(ctx context.Context, id string) (*flows.Owner, error) {
	p, err := g.principals.LoadPrincipal(ctx, id)
	if errors.Is(err, ErrPrincipalNotFound) {
		return nil, flows.ErrOwnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &flows.Owner{Roles: p.Roles, Perms: p.Perms, Active: p.Active}, nil
}

func (g *Gateway) warn(msg string, err error) {
	g.logger.Warn(msg, zap.Error(err))
}
