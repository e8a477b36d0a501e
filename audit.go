package authgate

import (
	"context"
	"time"
)

const (
	auditEventAuthenticateSuccess = "authenticate_success"
	auditEventAuthenticateFailure = "authenticate_failure"
	auditEventAuthorizeDenied     = "authorize_denied"
	auditEventRateLimited         = "rate_limit_triggered"
	auditEventRateLimitFailOpen   = "rate_limit_fail_open"
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventSessionEvicted      = "session_evicted"
	auditEventRefreshSuccess      = "refresh_success"
	auditEventRefreshFailure      = "refresh_failure"
	auditEventRefreshReuse        = "refresh_reuse_detected"
	auditEventTokenRevoked        = "token_revoked"
	auditEventFamilyRevoked       = "family_revoked"
	auditEventLogout              = "logout_session"
	auditEventLogoutAll           = "logout_all"
	auditEventAPIKeyCreated       = "api_key_created"
	auditEventAPIKeyRevoked       = "api_key_revoked"
	auditEventRolesReloaded       = "roles_reloaded"
)

// auditFields carries the identifying fields of an audit event.
type auditFields struct {
	subject   string
	sessionID string
	method    Method
	resource  string
}

func (g *Gateway) emitAudit(
	ctx context.Context,
	eventType string,
	severity AuditSeverity,
	success bool,
	fields auditFields,
	err error,
	metadataBuilder func() map[string]string,
) {
	if g == nil || g.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: g.now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Subject:   fields.subject,
		SessionID: fields.sessionID,
		Method:    string(fields.method),
		Resource:  fields.resource,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Reason = KindOf(err).String()
	}

	g.audit.Emit(ctx, event)
}

func (g *Gateway) emitRateLimit(ctx context.Context, resource string, retryAfter time.Duration) {
	g.metrics.Inc(MetricRateLimitHit)
	g.emitAudit(ctx, auditEventRateLimited, AuditWarning, false, auditFields{resource: resource},
		rateLimited(retryAfter), func() map[string]string {
			return map[string]string{"retry_after": retryAfter.String()}
		})
}
