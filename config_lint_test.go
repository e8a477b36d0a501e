package authgate

import (
	"slices"
	"testing"
	"time"
)

func containsCode(codes []string, code string) bool {
	return slices.Contains(codes, code)
}

func TestLint_DefaultConfigHasNoHighFindings(t *testing.T) {
	cfg := DefaultConfig()
	if high := cfg.Lint().AtLeast(LintHigh); len(high) != 0 {
		t.Fatalf("default config should have no HIGH findings, got %v", high.Codes())
	}
}

func TestLint_HighSecurityConfigMinimalWarnings(t *testing.T) {
	cfg := HighSecurityConfig()
	codes := cfg.Lint().Codes()

	unwanted := []string{
		"fail_open_enabled",
		"rate_limits_disabled",
		"access_ttl_long",
		"refresh_ttl_long",
		"leeway_large",
		"session_cap_disabled",
		"session_shorter_than_refresh",
		"audit_disabled",
	}
	for _, code := range unwanted {
		if containsCode(codes, code) {
			t.Errorf("HighSecurityConfig should not produce warning %q", code)
		}
	}
}

func TestLint_Findings(t *testing.T) {
	tests := []struct {
		code     string
		severity LintSeverity
		mutate   func(*Config)
	}{
		{"fail_open_enabled", LintHigh, func(c *Config) { c.Security.FailClosedOnStoreTimeout = false }},
		{"rate_limits_disabled", LintHigh, func(c *Config) { c.RateLimit.Enabled = false }},
		{"rate_limit_advisory", LintWarn, func(c *Config) { c.RateLimit.Advisory = true }},
		{"access_ttl_long", LintWarn, func(c *Config) { c.JWT.AccessTTL = 15 * time.Minute }},
		{"refresh_ttl_long", LintWarn, func(c *Config) { c.JWT.RefreshTTL = 60 * 24 * time.Hour }},
		{"leeway_large", LintWarn, func(c *Config) { c.JWT.Leeway = 90 * time.Second }},
		{"hs256_signing", LintInfo, func(c *Config) { c.JWT.SigningMethod = "hs256" }},
		{"session_cap_disabled", LintWarn, func(c *Config) { c.Session.MaxConcurrent = 0 }},
		{"session_shorter_than_refresh", LintInfo, func(c *Config) { c.Session.TTL = time.Hour }},
		{"api_key_no_expiry", LintWarn, func(c *Config) { c.APIKey.DefaultTTL = 0 }},
		{"audit_disabled", LintWarn, func(c *Config) { c.Audit.Enabled = false }},
		{"store_timeout_long", LintInfo, func(c *Config) { c.Store.Timeout = 2 * time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			var found *LintWarning
			for _, w := range cfg.Lint() {
				if w.Code == tt.code {
					found = &w
					break
				}
			}
			if found == nil {
				t.Fatalf("expected %s warning", tt.code)
			}
			if found.Severity != tt.severity {
				t.Fatalf("severity = %s, want %s", found.Severity, tt.severity)
			}
			if found.Message == "" {
				t.Fatalf("empty message for %s", tt.code)
			}
		})
	}
}

func TestLintResult_AtLeast(t *testing.T) {
	r := LintResult{
		{Code: "a", Severity: LintInfo},
		{Code: "b", Severity: LintWarn},
		{Code: "c", Severity: LintHigh},
	}
	if got := r.AtLeast(LintWarn).Codes(); !slices.Equal(got, []string{"b", "c"}) {
		t.Fatalf("AtLeast(WARN) = %v", got)
	}
	if got := r[2].String(); got != "[HIGH] c: " {
		t.Fatalf("String() = %q", got)
	}
}
