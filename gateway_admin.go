package authgate

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/rbac"
)

// CreateAPIKey issues a key for owner. The plaintext key in the result is
// never retrievable again. A nil limit applies the configured default policy;
// ttl 0 applies the configured default lifetime. When a PrincipalSource is
// configured the owner must exist and be active.
func (g *Gateway) CreateAPIKey(ctx context.Context, owner string, scopes []string, limit *ratelimit.Policy, ttl time.Duration) (_ *CreatedAPIKey, err error) {
	ctx, span := g.startSpan(ctx, "create_api_key")
	defer func() { finishSpan(span, err) }()

	if g.principals != nil {
		p, lerr := g.principals.LoadPrincipal(ctx, owner)
		if errors.Is(lerr, ErrPrincipalNotFound) {
			return nil, newError(KindInvalid, lerr)
		}
		if lerr != nil {
			return nil, newError(KindStoreUnavailable, lerr)
		}
		if !p.Active {
			return nil, newError(KindInvalid, nil)
		}
	}

	created, cerr := g.keys.Create(ctx, owner, scopes, limit, ttl)
	if cerr != nil {
		return nil, g.storeFault(cerr)
	}
	g.metrics.Inc(MetricAPIKeyCreated)
	g.emitAudit(ctx, auditEventAPIKeyCreated, AuditInfo, true, auditFields{
		subject: owner,
		method:  MethodAPIKey,
	}, nil, func() map[string]string {
		return map[string]string{
			"key_id": created.ID,
			"prefix": created.Prefix,
			"scopes": strings.Join(scopes, ","),
		}
	})
	return created, nil
}

// RevokeAPIKey deactivates a key permanently.
func (g *Gateway) RevokeAPIKey(ctx context.Context, id string) (err error) {
	ctx, span := g.startSpan(ctx, "revoke_api_key")
	defer func() { finishSpan(span, err) }()

	if rerr := g.keys.Revoke(ctx, id); rerr != nil {
		return g.storeFault(rerr)
	}
	g.metrics.Inc(MetricAPIKeyRevoked)
	g.emitAudit(ctx, auditEventAPIKeyRevoked, AuditInfo, true, auditFields{method: MethodAPIKey}, nil,
		func() map[string]string {
			return map[string]string{"key_id": id}
		})
	return nil
}

// ListAPIKeys returns owner's keys, revoked ones included.
func (g *Gateway) ListAPIKeys(ctx context.Context, owner string) ([]*APIKey, error) {
	keys, err := g.keys.List(ctx, owner)
	if err != nil {
		return nil, g.storeFault(err)
	}
	return keys, nil
}

// RateLimitStatus reports the limiter state for identity on resource without
// consuming capacity. With rate limiting disabled every resource reports
// allowed.
func (g *Gateway) RateLimitStatus(ctx context.Context, identity, resource string) (ratelimit.Decision, error) {
	if g.limits == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d, err := g.limits.Status(ctx, identity, resource)
	if err != nil {
		return ratelimit.Decision{}, g.storeFault(err)
	}
	return d, nil
}

// ReloadRoles swaps the role definitions atomically. Tokens already issued
// keep their role names; the new expansion applies to every later check.
func (g *Gateway) ReloadRoles(ctx context.Context, defs map[string]rbac.Role) error {
	if err := g.roles.Reload(defs); err != nil {
		return newError(KindInvalid, err)
	}
	g.metrics.Inc(MetricRolesReloaded)
	version := g.roles.Version()
	g.logger.Info("roles reloaded")
	g.emitAudit(ctx, auditEventRolesReloaded, AuditInfo, true, auditFields{}, nil,
		func() map[string]string {
			return map[string]string{"version": strconv.FormatUint(version, 10)}
		})
	return nil
}
