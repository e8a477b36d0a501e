package authgate

import (
	"context"
	"errors"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tokenstore"
)

var errNoPrincipalSource = errors.New("login requires a principal source")

// Login opens a session for subject and issues its first token pair. The
// device is taken from WithUserAgent. When the subject already holds the
// maximum number of sessions, the least recently active ones are ended and
// their families revoked first.
func (g *Gateway) Login(ctx context.Context, subject string) (_ *LoginResult, err error) {
	ctx, span := g.startSpan(ctx, "login")
	defer func() { finishSpan(span, err) }()

	if g.principals == nil {
		return nil, newError(KindInternal, errNoPrincipalSource)
	}
	if _, aerr := g.admit(ctx, ResourceLogin, subject); aerr != nil {
		g.metrics.Inc(MetricLoginFailure)
		return nil, aerr
	}

	res := g.flows.Login(ctx, subject, userAgentFromContext(ctx))
	if res.Failure != flows.LoginFailureNone {
		aerr := loginFailure(res)
		g.metrics.Inc(MetricLoginFailure)
		if aerr.Kind == KindStoreUnavailable {
			g.metrics.Inc(MetricStoreUnavailable)
		}
		g.emitAudit(ctx, auditEventLoginFailure, AuditWarning, false, auditFields{subject: subject}, aerr, nil)
		return nil, aerr
	}

	g.metrics.Inc(MetricLoginSuccess)
	g.metrics.Inc(MetricSessionCreated)
	evicted := make([]string, 0, len(res.Evicted))
	for _, s := range res.Evicted {
		evicted = append(evicted, s.SessionID)
		g.metrics.Inc(MetricSessionEvicted)
		g.emitAudit(ctx, auditEventSessionEvicted, AuditInfo, true, auditFields{
			subject:   s.Subject,
			sessionID: s.SessionID,
		}, nil, func() map[string]string {
			return map[string]string{"family_id": s.FamilyID}
		})
	}
	g.emitAudit(ctx, auditEventLoginSuccess, AuditInfo, true, auditFields{
		subject:   subject,
		sessionID: res.Session.SessionID,
	}, nil, func() map[string]string {
		return map[string]string{"device": res.Session.DeviceLabel}
	})

	return &LoginResult{
		Tokens:  tokenPair(res.Pair),
		Session: res.Session,
		Evicted: evicted,
	}, nil
}

// Refresh rotates refreshToken into a new pair. Presenting an already used
// refresh token revokes its whole family and fails with KindReused.
func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (_ *TokenPair, err error) {
	ctx, span := g.startSpan(ctx, "refresh")
	defer func() { finishSpan(span, err) }()

	if _, aerr := g.admit(ctx, ResourceRefresh, refreshToken); aerr != nil {
		g.metrics.Inc(MetricRefreshFailure)
		return nil, aerr
	}

	res := g.flows.Refresh(ctx, refreshToken)
	fields := auditFields{subject: res.Subject, sessionID: res.SessionID}
	familyMeta := func() map[string]string {
		return map[string]string{"family_id": res.FamilyID}
	}

	if res.Failure != flows.RefreshFailureNone {
		aerr := refreshFailure(res)
		g.metrics.Inc(MetricRefreshFailure)
		switch {
		case res.Failure == flows.RefreshFailureReuse:
			g.metrics.Inc(MetricRefreshReuseDetected)
			g.metrics.Inc(MetricFamilyRevoked)
			if res.SessionID != "" {
				if terr := g.sessions.Terminate(ctx, res.SessionID); terr != nil && !errors.Is(terr, session.ErrNotFound) {
					g.logger.Warn("terminate session after reuse", zap.Error(terr))
				}
			}
			g.logger.Warn("refresh token reuse detected, family revoked")
			g.emitAudit(ctx, auditEventRefreshReuse, AuditHigh, false, fields, aerr, familyMeta)
		case aerr.Kind == KindStoreUnavailable:
			g.metrics.Inc(MetricStoreUnavailable)
			g.emitAudit(ctx, auditEventRefreshFailure, AuditWarning, false, fields, aerr, nil)
		default:
			g.emitAudit(ctx, auditEventRefreshFailure, AuditWarning, false, fields, aerr, nil)
		}
		return nil, aerr
	}

	g.metrics.Inc(MetricRefreshSuccess)
	g.emitAudit(ctx, auditEventRefreshSuccess, AuditInfo, true, fields, nil, familyMeta)
	pair := tokenPair(res.Pair)
	return &pair, nil
}

// Revoke invalidates a credential. An access token is added to the
// revocation set; a refresh token or a bare family id revokes the whole
// family and ends its session. Expired tokens and unknown families are
// already dead and revoke nothing. It returns how many token ids were
// revoked.
func (g *Gateway) Revoke(ctx context.Context, tokenOrFamily string) (_ int, err error) {
	ctx, span := g.startSpan(ctx, "revoke")
	defer func() { finishSpan(span, err) }()

	if tokenOrFamily == "" {
		return 0, newError(KindMalformed, nil)
	}
	if !flows.LooksLikeToken(tokenOrFamily) {
		return g.revokeFamily(ctx, tokenOrFamily)
	}

	claims, verr := g.codec.Verify(tokenOrFamily, jwt.TypeAny)
	if errors.Is(verr, jwt.ErrExpired) {
		return 0, nil
	}
	if verr != nil {
		return 0, classify(verr)
	}
	if claims.Type == jwt.TypeRefresh {
		return g.revokeFamily(ctx, claims.FamilyID)
	}

	if rerr := g.tokens.Revoke(ctx, claims.TokenID(), claims.Expiry()); rerr != nil {
		return 0, g.storeFault(rerr)
	}
	g.metrics.Inc(MetricTokenRevoked)
	g.emitAudit(ctx, auditEventTokenRevoked, AuditInfo, true, auditFields{subject: claims.Subject}, nil, nil)
	return 1, nil
}

func (g *Gateway) revokeFamily(ctx context.Context, familyID string) (int, error) {
	info, err := g.tokens.Family(ctx, familyID)
	if errors.Is(err, tokenstore.ErrInvalid) {
		return 0, nil
	}
	if err != nil {
		return 0, g.storeFault(err)
	}
	n, err := g.tokens.RevokeFamily(ctx, familyID)
	if err != nil {
		return 0, g.storeFault(err)
	}
	if info.SessionID != "" {
		if err := g.sessions.Terminate(ctx, info.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			return n, g.storeFault(err)
		}
	}
	g.metrics.Inc(MetricFamilyRevoked)
	g.emitAudit(ctx, auditEventFamilyRevoked, AuditInfo, true, auditFields{
		subject:   info.Subject,
		sessionID: info.SessionID,
	}, nil, func() map[string]string {
		return map[string]string{"family_id": familyID, "revoked": strconv.Itoa(n)}
	})
	return n, nil
}

// Logout ends one session and revokes its token family.
func (g *Gateway) Logout(ctx context.Context, sessionID string) (err error) {
	ctx, span := g.startSpan(ctx, "logout", attribute.String("authgate.session_id", sessionID))
	defer func() { finishSpan(span, err) }()

	if terr := g.sessions.Terminate(ctx, sessionID); terr != nil {
		return g.storeFault(terr)
	}
	g.metrics.Inc(MetricLogout)
	g.emitAudit(ctx, auditEventLogout, AuditInfo, true, auditFields{sessionID: sessionID}, nil, nil)
	return nil
}

// LogoutAll ends every session of subject and returns how many ended.
func (g *Gateway) LogoutAll(ctx context.Context, subject string) (_ int, err error) {
	ctx, span := g.startSpan(ctx, "logout_all")
	defer func() { finishSpan(span, err) }()

	n, terr := g.sessions.TerminateAll(ctx, subject)
	if terr != nil {
		return 0, g.storeFault(terr)
	}
	g.metrics.Inc(MetricLogoutAll)
	g.emitAudit(ctx, auditEventLogoutAll, AuditInfo, true, auditFields{subject: subject}, nil,
		func() map[string]string {
			return map[string]string{"sessions": strconv.Itoa(n)}
		})
	return n, nil
}

// ListSessions returns subject's live sessions, most recently active first.
func (g *Gateway) ListSessions(ctx context.Context, subject string) ([]*Session, error) {
	sessions, err := g.sessions.List(ctx, subject)
	if err != nil {
		return nil, g.storeFault(err)
	}
	return sessions, nil
}

// storeFault classifies err and counts store faults.
func (g *Gateway) storeFault(err error) *AuthError {
	ae := classify(err)
	if ae.Kind == KindStoreUnavailable {
		g.metrics.Inc(MetricStoreUnavailable)
	}
	return ae
}

func loginFailure(res flows.LoginResult) *AuthError {
	switch res.Failure {
	case flows.LoginFailureOwner:
		return newError(KindInvalid, res.Err)
	case flows.LoginFailureStore:
		ae := classify(res.Err)
		if ae.Kind == KindInternal {
			return newError(KindStoreUnavailable, res.Err)
		}
		return ae
	default:
		return classify(res.Err)
	}
}

func refreshFailure(res flows.RefreshResult) *AuthError {
	switch res.Failure {
	case flows.RefreshFailureSessionEnded:
		return newError(KindRevoked, res.Err)
	case flows.RefreshFailureOwner:
		return newError(KindInvalid, res.Err)
	case flows.RefreshFailureReuse:
		return newError(KindReused, res.Err)
	case flows.RefreshFailureStore:
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

func tokenPair(p *tokenstore.Pair) TokenPair {
	return TokenPair{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
		SessionID:        p.SessionID,
		FamilyID:         p.FamilyID,
	}
}
