package authgate

import (
	internalmetrics "github.com/MrEthical07/authgate/internal/metrics"
)

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID = internalmetrics.MetricID

const (
	MetricAuthenticateSuccess  = internalmetrics.MetricAuthenticateSuccess
	MetricAuthenticateFailure  = internalmetrics.MetricAuthenticateFailure
	MetricAuthorizeAllowed     = internalmetrics.MetricAuthorizeAllowed
	MetricAuthorizeDenied      = internalmetrics.MetricAuthorizeDenied
	MetricRateLimitHit         = internalmetrics.MetricRateLimitHit
	MetricRateLimitFailOpen    = internalmetrics.MetricRateLimitFailOpen
	MetricStoreUnavailable     = internalmetrics.MetricStoreUnavailable
	MetricLoginSuccess         = internalmetrics.MetricLoginSuccess
	MetricLoginFailure         = internalmetrics.MetricLoginFailure
	MetricRefreshSuccess       = internalmetrics.MetricRefreshSuccess
	MetricRefreshFailure       = internalmetrics.MetricRefreshFailure
	MetricRefreshReuseDetected = internalmetrics.MetricRefreshReuseDetected
	MetricTokenRevoked         = internalmetrics.MetricTokenRevoked
	MetricFamilyRevoked        = internalmetrics.MetricFamilyRevoked
	MetricSessionCreated       = internalmetrics.MetricSessionCreated
	MetricSessionEvicted       = internalmetrics.MetricSessionEvicted
	MetricLogout               = internalmetrics.MetricLogout
	MetricLogoutAll            = internalmetrics.MetricLogoutAll
	MetricAPIKeyCreated        = internalmetrics.MetricAPIKeyCreated
	MetricAPIKeyRevoked        = internalmetrics.MetricAPIKeyRevoked
	MetricAPIKeyRejected       = internalmetrics.MetricAPIKeyRejected
	MetricRolesReloaded        = internalmetrics.MetricRolesReloaded
	MetricAuthenticateLatency  = internalmetrics.MetricAuthenticateLatency
)

// Metrics holds lock-free counters and the authentication latency histogram.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics returns a Metrics configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:                 cfg.Enabled,
		EnableLatencyHistograms: cfg.EnableLatencyHistograms,
	})
}
