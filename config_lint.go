package goIdP

import (
	"errors"
	"strings"
	"time"
)

// LintSeverity ranks configuration warnings.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintHigh:
		return "HIGH"
	case LintWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

// LintWarning is one advisory finding. Unlike [Config.Validate], warnings
// never block Build.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the list of findings returned by [Config.Lint].
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, len(r))
	for i, w := range r {
		out[i] = w.Code
	}
	return out
}

// BySeverity returns the warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError joins every warning at or above min into one error, or returns nil.
func (r LintResult) AsError(min LintSeverity) error {
	selected := r.BySeverity(min)
	if len(selected) == 0 {
		return nil
	}
	msgs := make([]string, len(selected))
	for i, w := range selected {
		msgs[i] = w.Severity.String() + " " + w.Code + ": " + w.Message
	}
	return errors.New("config lint: " + strings.Join(msgs, "; "))
}

// Lint reports settings that are legal but risky.
func (c *Config) Lint() LintResult {
	var r LintResult
	add := func(code string, sev LintSeverity, msg string) {
		r = append(r, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if c.Security.RateLimitBypass {
		add("rate_limit_bypass", LintHigh, "IP rate limiting is bypassed; development only")
	}
	if len(c.CSRF.Secret) == 0 {
		add("csrf_secret_missing", LintHigh, "no CSRF secret configured; state-changing form posts cannot be protected")
	}
	if !strings.HasPrefix(c.OAuth.Issuer, "https://") {
		add("issuer_not_https", LintWarn, "issuer is not an https URL")
	}
	if c.JWT.SigningMethod == "hs256" {
		add("signing_hs256", LintWarn, "hs256 ID tokens cannot be verified from the published JWKS")
	}
	if c.Password.Memory < 64*1024 {
		add("argon2_memory_low", LintWarn, "Argon2 memory below 64 MB")
	}
	if c.OAuth.AccessTokenTTL > time.Hour {
		add("access_ttl_long", LintWarn, "access tokens live longer than 1h")
	}
	if c.OAuth.RefreshTokenTTL > 30*24*time.Hour {
		add("refresh_ttl_long", LintInfo, "refresh tokens live longer than 30d")
	}
	if c.MagicLink.Enabled && c.MagicLink.TTL > 15*time.Minute {
		add("magic_link_ttl_long", LintWarn, "magic links stay valid longer than 15m")
	}
	if c.StepUp.Enabled && c.StepUp.Probability == 0 {
		add("step_up_never_triggers", LintWarn, "step-up is enabled with probability 0")
	}
	if c.Cookie.CrossSite && !c.Security.ProductionMode {
		add("cross_site_cookies_dev", LintInfo, "cross-site cookies only take SameSite=None in production mode")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "audit events are discarded")
	}
	return r
}
