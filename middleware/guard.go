package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/MrEthical07/authgate"
)

// APIKeyHeader carries an API key when no Authorization header is sent.
const APIKeyHeader = "X-API-Key"

// Checker is the part of *authgate.Gateway the adapters need.
type Checker interface {
	Check(ctx context.Context, credential, permission string) authgate.Decision
}

// IPExtractor returns the client IP used for rate limiting and audit.
type IPExtractor = echo.IPExtractor

// Option customizes Guard.
type Option func(*guardOptions)

type guardOptions struct {
	clientIP IPExtractor
}

// WithIPExtractor replaces the default extractor, which uses the peer
// address only.
func WithIPExtractor(x IPExtractor) Option {
	return func(o *guardOptions) {
		if x != nil {
			o.clientIP = x
		}
	}
}

// TrustedProxies returns an extractor that honors X-Forwarded-For only when
// the peer is inside one of ranges. The rightmost hop outside ranges is the
// client. Loopback, link-local and private peers are not trusted implicitly.
func TrustedProxies(ranges ...*net.IPNet) IPExtractor {
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, r := range ranges {
		opts = append(opts, echo.TrustIPRange(r))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// Guard authenticates every request and, when permission is non-empty,
// authorizes it. The principal is attached to the request context for the
// next handler; read it with authgate.PrincipalFromContext.
//
// Client-supplied forwarding headers are ignored unless an extractor such as
// TrustedProxies is configured.
func Guard(gate Checker, permission string, opts ...Option) func(http.Handler) http.Handler {
	o := guardOptions{clientIP: ClientIP}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			credential, ok := Credential(r.Header)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := RequestContext(r.Context(), o.clientIP(r), r.UserAgent())
			d := gate.Check(ctx, credential, permission)
			if !d.Allowed() {
				WriteError(w, d.Err)
				return
			}

			next.ServeHTTP(w, r.WithContext(authgate.WithPrincipal(ctx, d.Principal)))
		})
	}
}

// Credential extracts a bearer token or API key from h. The Authorization
// header wins when both are present.
func Credential(h http.Header) (string, bool) {
	if token, ok := bearerToken(h.Get("Authorization")); ok {
		return token, true
	}
	key := strings.TrimSpace(h.Get(APIKeyHeader))
	return key, key != ""
}

// RequestContext attaches the client IP and user agent the gateway reads for
// rate limiting, audit and device labels.
func RequestContext(ctx context.Context, ip, userAgent string) context.Context {
	if ip != "" {
		ctx = authgate.WithClientIP(ctx, ip)
	}
	if userAgent != "" {
		ctx = authgate.WithUserAgent(ctx, userAgent)
	}
	return ctx
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatusCode maps an error kind onto an HTTP status.
func StatusCode(kind authgate.ErrorKind) int {
	switch kind {
	case authgate.KindInsufficientPermission:
		return http.StatusForbidden
	case authgate.KindRateLimited:
		return http.StatusTooManyRequests
	case authgate.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case authgate.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// RetryAfterSeconds renders d for a Retry-After header, rounding up.
func RetryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

// WriteError writes the status for err. Causes never reach the client.
func WriteError(w http.ResponseWriter, err *authgate.AuthError) {
	if err == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err.Kind == authgate.KindRateLimited && err.RetryAfter > 0 {
		w.Header().Set("Retry-After", RetryAfterSeconds(err.RetryAfter))
	}
	status := StatusCode(err.Kind)
	http.Error(w, err.Kind.String(), status)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
