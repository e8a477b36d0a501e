package authgate

import (
	"fmt"
	"time"
)

// LintSeverity ranks lint warnings.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is an advisory finding about a valid but risky configuration.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

func (w LintWarning) String() string {
	return fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message)
}

// LintResult is the list of findings returned by Lint.
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, len(r))
	for i, w := range r {
		out[i] = w.Code
	}
	return out
}

// AtLeast returns the warnings with severity >= min.
func (r LintResult) AtLeast(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// Lint reports risky settings that Validate accepts. It never fails.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, format string, args ...any) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if !c.Security.FailClosedOnStoreTimeout {
		add("fail_open_enabled", LintHigh,
			"advisory rate limits admit requests while the store is unreachable")
	}
	if !c.RateLimit.Enabled {
		add("rate_limits_disabled", LintHigh, "credential checks are not rate limited")
	} else if c.RateLimit.Advisory {
		add("rate_limit_advisory", LintWarn, "the default rate-limit policy is advisory")
	}
	if c.JWT.AccessTTL > 10*time.Minute {
		add("access_ttl_long", LintWarn,
			"AccessTTL %s widens the window in which a revoked family's access tokens are cached by clients", c.JWT.AccessTTL)
	}
	if c.JWT.RefreshTTL > 30*24*time.Hour {
		add("refresh_ttl_long", LintWarn, "RefreshTTL %s exceeds 30 days", c.JWT.RefreshTTL)
	}
	if c.JWT.Leeway > time.Minute {
		add("leeway_large", LintWarn, "Leeway %s accepts tokens long after expiry", c.JWT.Leeway)
	}
	if c.JWT.SigningMethod == "hs256" {
		add("hs256_signing", LintInfo, "HS256 requires every verifier to hold the signing secret")
	}
	if c.Session.MaxConcurrent == 0 {
		add("session_cap_disabled", LintWarn, "subjects may hold unlimited concurrent sessions")
	}
	if c.Session.TTL < c.JWT.RefreshTTL {
		add("session_shorter_than_refresh", LintInfo,
			"idle sessions end before their refresh tokens expire; refresh after %s of inactivity fails", c.Session.TTL)
	}
	if c.APIKey.DefaultTTL == 0 {
		add("api_key_no_expiry", LintWarn, "API keys created without a ttl never expire")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintWarn, "security events such as refresh reuse are not audited")
	}
	if c.Store.Timeout > time.Second {
		add("store_timeout_long", LintInfo, "Store Timeout %s delays fail-closed rejections", c.Store.Timeout)
	}
	return ws
}
