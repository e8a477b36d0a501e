package authgate

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/apikey"
	internalaudit "github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/session"
)

// Method tells how a Principal authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Principal is the authenticated caller.
//
// For bearer tokens Roles and Perms come from the token claims. For API keys
// Perms holds the key scopes and Roles holds the owner's roles when a
// [PrincipalSource] is configured.
type Principal struct {
	ID        string
	Roles     []string
	Perms     []string
	Active    bool
	Method    Method
	TokenID   string
	KeyID     string
	SessionID string
	ExpiresAt time.Time
}

// ErrPrincipalNotFound is returned by a PrincipalSource for unknown ids.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalSource loads identities owned by an external identity service.
// Returned principals are treated as read-only.
type PrincipalSource interface {
	LoadPrincipal(ctx context.Context, id string) (*Principal, error)
}

// PrincipalSourceFunc adapts a function to PrincipalSource.
type PrincipalSourceFunc func(ctx context.Context, id string) (*Principal, error)

func (f PrincipalSourceFunc) LoadPrincipal(ctx context.Context, id string) (*Principal, error) {
	return f(ctx, id)
}

// StaticPrincipals is an in-memory PrincipalSource, handy for tests and
// single-binary deployments.
type StaticPrincipals struct {
	mu         sync.RWMutex
	principals map[string]Principal
}

// NewStaticPrincipals returns a source seeded with ps.
func NewStaticPrincipals(ps ...Principal) *StaticPrincipals {
	s := &StaticPrincipals{principals: make(map[string]Principal, len(ps))}
	for _, p := range ps {
		s.Put(p)
	}
	return s
}

// Put adds or replaces a principal.
func (s *StaticPrincipals) Put(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Roles = append([]string(nil), p.Roles...)
	p.Perms = append([]string(nil), p.Perms...)
	s.principals[p.ID] = p
}

func (s *StaticPrincipals) LoadPrincipal(_ context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	p.Roles = append([]string(nil), p.Roles...)
	p.Perms = append([]string(nil), p.Perms...)
	return &p, nil
}

// State is a step of the per-request authentication state machine.
type State uint8

const (
	StateUnauthenticated State = iota
	StateRateLimitChecked
	StateCredentialVerified
	StateAuthorizationResolved
	StateCompleted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateRateLimitChecked:
		return "rate_limit_checked"
	case StateCredentialVerified:
		return "credential_verified"
	case StateAuthorizationResolved:
		return "authorization_resolved"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Check. Err is non-nil iff State is StateRejected.
type Decision struct {
	State     State
	Principal *Principal
	// RateLimit is the admission decision taken for the request.
	RateLimit ratelimit.Decision
	Err       *AuthError
}

// Allowed reports whether the request completed.
func (d Decision) Allowed() bool {
	return d.State == StateCompleted
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
	FamilyID         string
}

// LoginResult is returned by Login.
type LoginResult struct {
	Tokens  TokenPair
	Session *session.Session
	// Evicted lists sessions ended to stay within the per-subject cap.
	Evicted []string
}

// APIKey is a stored API key record. It never holds the plaintext secret.
type APIKey = apikey.ApiKey

// CreatedAPIKey carries the plaintext key exactly once.
type CreatedAPIKey = apikey.Created

// Session is a tracked login.
type Session = session.Session

// AuditEvent is a structured audit record emitted by the gateway.
type AuditEvent = internalaudit.Event

// AuditSeverity ranks audit events.
type AuditSeverity = internalaudit.Severity

const (
	AuditInfo    = internalaudit.SeverityInfo
	AuditWarning = internalaudit.SeverityWarning
	AuditHigh    = internalaudit.SeverityHigh
)

// AuditSink receives [AuditEvent] values from the gateway's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink is an [AuditSink] that logs events through zap.
type ZapSink = internalaudit.ZapSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZapSink creates a [ZapSink] logging under the "audit" name.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}
