package authgate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/rbac"
)

// Authenticate rate-limits and verifies a bearer token or API key and
// returns the caller. Revocation is checked on every bearer token.
func (g *Gateway) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	d := g.Check(ctx, credential, "")
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Principal, nil
}

// Authorize reports nil when p holds permission. Bearer principals are
// allowed by their roles or token-carried permissions. API-key principals
// are allowed only within the key scopes, and only when the owner's roles
// also grant the permission if a PrincipalSource is configured.
func (g *Gateway) Authorize(ctx context.Context, p *Principal, permission string) error {
	ctx, span := g.startSpan(ctx, "authorize", attribute.String("authgate.permission", permission))
	err := g.authorize(ctx, p, permission)
	if err != nil {
		finishSpan(span, err)
		return err
	}
	finishSpan(span, nil)
	return nil
}

// Check runs the full request state machine. An empty permission skips the
// authorization step. Decision.Err is nil exactly when the request completed.
func (g *Gateway) Check(ctx context.Context, credential, permission string) Decision {
	ctx, span := g.startSpan(ctx, "check")
	start := time.Now()
	d := g.check(ctx, credential, permission)
	g.metrics.Observe(MetricAuthenticateLatency, time.Since(start))

	span.SetAttributes(attribute.String("authgate.state", d.State.String()))
	if d.Err != nil {
		finishSpan(span, d.Err)
	} else {
		finishSpan(span, nil)
	}
	return d
}

func (g *Gateway) check(ctx context.Context, credential, permission string) Decision {
	d := Decision{State: StateUnauthenticated}
	reject := func(err *AuthError) Decision {
		d.State, d.Err = StateRejected, err
		return d
	}

	rl, aerr := g.admit(ctx, ResourceAuthenticate, credential)
	d.RateLimit = rl
	if aerr != nil {
		g.metrics.Inc(MetricAuthenticateFailure)
		return reject(aerr)
	}
	d.State = StateRateLimitChecked

	res := g.flows.Authenticate(ctx, credential)
	if res.Failure != flows.AuthFailureNone {
		aerr := authFailure(res)
		g.onAuthenticateFailure(ctx, credential, aerr)
		return reject(aerr)
	}
	d.Principal = principalFromIdentity(res.Identity)
	d.State = StateCredentialVerified
	g.metrics.Inc(MetricAuthenticateSuccess)
	g.emitAudit(ctx, auditEventAuthenticateSuccess, AuditInfo, true, auditFields{
		subject: d.Principal.ID,
		method:  d.Principal.Method,
	}, nil, nil)

	if permission != "" {
		if err := g.authorize(ctx, d.Principal, permission); err != nil {
			return reject(err)
		}
		d.State = StateAuthorizationResolved
	}

	d.State = StateCompleted
	return d
}

func (g *Gateway) authorize(ctx context.Context, p *Principal, permission string) *AuthError {
	if p == nil {
		return newError(KindInvalid, ErrPrincipalNotFound)
	}
	if _, err := rbac.Parse(permission); err != nil {
		return classify(err)
	}

	var allowed bool
	switch p.Method {
	case MethodAPIKey:
		allowed = rbac.Match(p.Perms, permission)
		if allowed && g.principals != nil {
			allowed = g.roles.Resolve(p.Roles, permission)
		}
	default:
		allowed = g.roles.Resolve(p.Roles, permission) || rbac.Match(p.Perms, permission)
	}

	if !allowed {
		g.metrics.Inc(MetricAuthorizeDenied)
		g.emitAudit(ctx, auditEventAuthorizeDenied, AuditWarning, false, auditFields{
			subject:  p.ID,
			method:   p.Method,
			resource: permission,
		}, ErrInsufficientPermission, nil)
		return newError(KindInsufficientPermission, nil)
	}
	g.metrics.Inc(MetricAuthorizeAllowed)
	return nil
}

func (g *Gateway) onAuthenticateFailure(ctx context.Context, credential string, aerr *AuthError) {
	g.metrics.Inc(MetricAuthenticateFailure)
	if aerr.Kind == KindStoreUnavailable {
		g.metrics.Inc(MetricStoreUnavailable)
	}
	method := MethodBearer
	if !flows.LooksLikeToken(credential) {
		method = MethodAPIKey
		g.metrics.Inc(MetricAPIKeyRejected)
	}
	severity := AuditWarning
	if aerr.Kind == KindSignatureInvalid {
		severity = AuditHigh
	}
	g.emitAudit(ctx, auditEventAuthenticateFailure, severity, false, auditFields{method: method}, aerr, nil)
}

// authFailure maps a flow failure onto the closed error set. Faults of the
// identity source count as store faults.
func authFailure(res flows.AuthenticateResult) *AuthError {
	switch res.Failure {
	case flows.AuthFailureRevoked:
		return newError(KindRevoked, nil)
	case flows.AuthFailureOwner:
		return newError(KindInvalid, res.Err)
	case flows.AuthFailureStore:
		ae := classify(res.Err)
		if ae.Kind == KindInternal {
			return newError(KindStoreUnavailable, res.Err)
		}
		return ae
	default:
		if res.Err == nil {
			return newError(KindInvalid, nil)
		}
		return classify(res.Err)
	}
}

func principalFromIdentity(id flows.Identity) *Principal {
	p := &Principal{
		ID:        id.Subject,
		Roles:     id.Roles,
		Perms:     id.Perms,
		Active:    true,
		Method:    MethodBearer,
		TokenID:   id.TokenID,
		KeyID:     id.KeyID,
		ExpiresAt: id.ExpiresAt,
	}
	if id.APIKey {
		p.Method = MethodAPIKey
	}
	return p
}
