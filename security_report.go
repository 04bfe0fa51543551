package goIdP

import (
	"net/http"
	"time"
)

// SecurityReport summarizes the security posture of a built engine. It
// holds no secrets and is safe to expose on an admin endpoint.
type SecurityReport struct {
	ProductionMode       bool
	IDTokenAlgorithm     string
	SessionWindow        time.Duration
	SessionLifetime      time.Duration
	CodeTTL              time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	Argon2               PasswordConfigReport
	MagicLinkEnabled     bool
	StepUpEnabled        bool
	PasswordResetEnabled bool
	RateLimitingActive   bool
	TrustedProxyCount    int
	SecureCookies        bool
	SameSite             string
	AuditEnabled         bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// SecurityReport reports the configuration the engine runs with. The
// step-up flag is the configured default, not the runtime toggle.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	sameSite := "lax"
	switch e.config.CookieSameSite() {
	case http.SameSiteNoneMode:
		sameSite = "none"
	case http.SameSiteStrictMode:
		sameSite = "strict"
	}

	return SecurityReport{
		ProductionMode:   e.config.Security.ProductionMode,
		IDTokenAlgorithm: e.idTokens.Algorithm(),
		SessionWindow:    e.config.Session.SlidingWindow,
		SessionLifetime:  e.config.Session.AbsoluteLifetime,
		CodeTTL:          e.config.OAuth.CodeTTL,
		AccessTokenTTL:   e.config.OAuth.AccessTokenTTL,
		RefreshTokenTTL:  e.config.OAuth.RefreshTokenTTL,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		MagicLinkEnabled:     e.linkSigner != nil,
		StepUpEnabled:        e.config.StepUp.Enabled,
		PasswordResetEnabled: e.config.PasswordReset.Enabled,
		RateLimitingActive:   !e.config.Security.RateLimitBypass,
		TrustedProxyCount:    len(e.config.Security.TrustedProxies),
		SecureCookies:        e.config.CookieSecure(),
		SameSite:             sameSite,
		AuditEnabled:         e.audit != nil,
	}
}
