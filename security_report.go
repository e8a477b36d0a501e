package authgate

import (
	"time"

	"github.com/MrEthical07/authgate/ratelimit"
)

type SecurityReport struct {
	ProductionMode   bool
	SigningAlgorithm string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	Leeway           time.Duration
	KeyHasher        string
	// FailClosed is true when advisory limits are enforced on store faults.
	FailClosed            bool
	RateLimitingActive    bool
	RateLimitPolicies     map[string]ratelimit.Policy
	SessionCapsActive     bool
	MaxConcurrentSessions int
	APIKeysExpire         bool
	AuditActive           bool
	RolesVersion          uint64
	LintHighFindings      []string
}

func (g *Gateway) SecurityReport() SecurityReport {
	if g == nil {
		return SecurityReport{}
	}

	hasher := g.config.APIKey.Hasher
	if hasher == "" {
		hasher = "blake2b"
	}

	var policies map[string]ratelimit.Policy
	if g.limits != nil {
		policies = make(map[string]ratelimit.Policy)
		for _, resource := range g.limits.Resources() {
			policies[resource] = g.limits.For(resource).Policy()
		}
	}

	return SecurityReport{
		ProductionMode:        g.config.Security.ProductionMode,
		SigningAlgorithm:      g.config.JWT.SigningMethod,
		AccessTTL:             g.config.JWT.AccessTTL,
		RefreshTTL:            g.config.JWT.RefreshTTL,
		Leeway:                g.config.JWT.Leeway,
		KeyHasher:             hasher,
		FailClosed:            g.config.Security.FailClosedOnStoreTimeout,
		RateLimitingActive:    g.limits != nil,
		RateLimitPolicies:     policies,
		SessionCapsActive:     g.config.Session.MaxConcurrent > 0,
		MaxConcurrentSessions: g.config.Session.MaxConcurrent,
		APIKeysExpire:         g.config.APIKey.DefaultTTL > 0,
		AuditActive:           g.audit != nil,
		RolesVersion:          g.roles.Version(),
		LintHighFindings:      g.config.Lint().AtLeast(LintHigh).Codes(),
	}
}
