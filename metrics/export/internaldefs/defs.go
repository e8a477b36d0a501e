package internaldefs

import (
	"github.com/MrEthical07/authgate"
)

// CounterDef names one authgate counter for export.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef names one authgate histogram for export.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authgate.MetricAuthenticateSuccess, Name: "authgate_authenticate_success_total", Help: "Credentials accepted."},
	{ID: authgate.MetricAuthenticateFailure, Name: "authgate_authenticate_failure_total", Help: "Credentials rejected."},
	{ID: authgate.MetricAuthorizeAllowed, Name: "authgate_authorize_allowed_total", Help: "Permission checks that passed."},
	{ID: authgate.MetricAuthorizeDenied, Name: "authgate_authorize_denied_total", Help: "Permission checks that were denied."},
	{ID: authgate.MetricRateLimitHit, Name: "authgate_rate_limit_hit_total", Help: "Requests denied by a rate limit."},
	{ID: authgate.MetricRateLimitFailOpen, Name: "authgate_rate_limit_fail_open_total", Help: "Rate-limit checks skipped because the store was unreachable."},
	{ID: authgate.MetricStoreUnavailable, Name: "authgate_store_unavailable_total", Help: "Operations failed closed on an unreachable store."},
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Sessions opened."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Login attempts rejected."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Refresh tokens rotated."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Refresh attempts rejected."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Replayed refresh tokens."},
	{ID: authgate.MetricTokenRevoked, Name: "authgate_token_revoked_total", Help: "Access tokens revoked individually."},
	{ID: authgate.MetricFamilyRevoked, Name: "authgate_family_revoked_total", Help: "Token families revoked."},
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Sessions created."},
	{ID: authgate.MetricSessionEvicted, Name: "authgate_session_evicted_total", Help: "Sessions evicted by the concurrency cap."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-session logouts."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-everywhere operations."},
	{ID: authgate.MetricAPIKeyCreated, Name: "authgate_api_key_created_total", Help: "API keys issued."},
	{ID: authgate.MetricAPIKeyRevoked, Name: "authgate_api_key_revoked_total", Help: "API keys revoked."},
	{ID: authgate.MetricAPIKeyRejected, Name: "authgate_api_key_rejected_total", Help: "API keys rejected during authentication."},
	{ID: authgate.MetricRolesReloaded, Name: "authgate_roles_reloaded_total", Help: "Role definition reloads."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricAuthenticateLatency, Name: "authgate_authenticate_latency_seconds", Help: "Check latency histogram."},
}

// AuditDroppedName is the counter name for dropped audit events.
const AuditDroppedName = "authgate_audit_dropped_total"

// AuditDroppedHelp describes AuditDroppedName.
const AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."

// BucketCount is the number of histogram buckets including +Inf.
const BucketCount = 8

// HistogramUpperBounds are the finite bucket bounds in seconds.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket for exporters that flatten
// histograms into gauges.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing
// buckets.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
