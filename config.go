package goIdP

import (
	"errors"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Config defines a public type used by goIdP APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Session       SessionConfig
	OAuth         OAuthConfig
	JWT           JWTConfig
	MagicLink     MagicLinkConfig
	StepUp        StepUpConfig
	Password      PasswordConfig
	PasswordReset PasswordResetConfig
	RateLimit     RateLimitConfig
	CSRF          CSRFConfig
	Cookie        CookieConfig
	Mail          MailConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
	Store         StoreConfig
	Security      SecurityConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls browser sessions issued by the credential store.
type SessionConfig struct {
	// SlidingWindow is added to "now" on every successful validation.
	SlidingWindow time.Duration
	// AbsoluteLifetime caps sliding; a session never outlives CreatedAt+AbsoluteLifetime.
	AbsoluteLifetime time.Duration
	CookieName       string
}

/*
====================================
OAUTH / OIDC CONFIG
====================================
*/

// OAuthConfig sets the issuer and the lifetimes of codes and tokens.
type OAuthConfig struct {
	Issuer          string
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SupportedScopes []string
	// ClientSecretCost is the bcrypt cost for client secrets. Zero uses the package default.
	ClientSecretCost int
}

// JWTConfig configures ID token signing.
type JWTConfig struct {
	IDTokenTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	Leeway        time.Duration
}

/*
====================================
PASSWORDLESS & STEP-UP CONFIG
====================================
*/

// MagicLinkConfig controls passwordless sign-in. Links are only issued when
// Enabled is set and BaseURL points at the page that redeems them.
type MagicLinkConfig struct {
	Enabled bool
	TTL     time.Duration
	// Secret is the HMAC key for link signatures, at least 32 bytes.
	Secret []byte
	// BaseURL receives the token as the "token" query parameter.
	BaseURL string
}

// StepUpConfig configures the PIN challenge and the default [WindowPolicy].
type StepUpConfig struct {
	// Enabled is the toggle value used until an operator overrides it at
	// runtime with Engine.SetStepUpEnabled.
	Enabled       bool
	MinLoginCount int64
	MaxLoginCount int64
	Probability   float64
	PINTTL        time.Duration
	MaxAttempts   int
	// Secret keys the PIN hash, at least 32 bytes.
	Secret []byte
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig defines a public type used by goIdP APIs.
//
// PasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	MaxLength   int
}

// PasswordResetConfig controls the forgot-password flow.
type PasswordResetConfig struct {
	Enabled     bool
	TTL         time.Duration
	MaxAttempts int
	BaseURL     string
}

/*
====================================
SECURITY MIDDLEWARE CONFIG
====================================
*/

// RatePolicy is a fixed-window request budget.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig holds the three IP-keyed tiers.
type RateLimitConfig struct {
	Strict     RatePolicy
	General    RatePolicy
	Validation RatePolicy
}

// CSRFConfig configures double-submit tokens.
type CSRFConfig struct {
	// Secret is the HMAC key, at least 32 bytes.
	Secret     []byte
	TTL        time.Duration
	CookieName string
	HeaderName string
	FormField  string
}

// CookieConfig controls attributes of every cookie the server sets.
type CookieConfig struct {
	Domain string
	// CrossSite selects SameSite=None in production for deployments where the
	// login UI and the API live on different subdomains.
	CrossSite bool
}

/*
====================================
MAIL / AUDIT / METRICS CONFIG
====================================
*/

// MailConfig tunes the mail dispatcher.
type MailConfig struct {
	Async         bool
	QueueSize     int
	Workers       int
	MaxAttempts   int
	RetryBackoff  time.Duration
	SendTimeout   time.Duration
	RatePerSecond float64
	Burst         int
}

// AuditConfig defines a public type used by goIdP APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by goIdP APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
STORE / SECURITY CONFIG
====================================
*/

// StoreConfig configures the Redis keyspace and per-call deadlines.
type StoreConfig struct {
	KeyPrefix string
	// Timeout bounds the store work of each engine operation.
	Timeout time.Duration
	// SweepBatch is the SCAN count used by Engine.Sweep.
	SweepBatch int64
}

// SecurityConfig defines a public type used by goIdP APIs.
//
// SecurityConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SecurityConfig struct {
	ProductionMode bool
	// RateLimitBypass disables IP rate limiting for local development. It is
	// refused in production mode.
	RateLimitBypass bool
	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For entries are believed.
	TrustedProxies []string
}

// DefaultConfig returns the configuration used when [Builder.WithConfig] is
// not called. Secrets and the issuer are left empty.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			SlidingWindow:    24 * time.Hour,
			AbsoluteLifetime: 30 * 24 * time.Hour,
			CookieName:       "idp_session",
		},
		OAuth: OAuthConfig{
			CodeTTL:         10 * time.Minute,
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 30 * 24 * time.Hour,
			SupportedScopes: []string{"openid", "profile", "email", "offline_access"},
		},
		JWT: JWTConfig{
			IDTokenTTL:    time.Hour,
			SigningMethod: "ed25519",
		},
		MagicLink: MagicLinkConfig{
			Enabled: false,
			TTL:     15 * time.Minute,
		},
		StepUp: StepUpConfig{
			Enabled:       false,
			MinLoginCount: 5,
			MaxLoginCount: 10,
			Probability:   0.5,
			PINTTL:        5 * time.Minute,
			MaxAttempts:   5,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
			MaxLength:   1024,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:     false,
			TTL:         30 * time.Minute,
			MaxAttempts: 5,
		},
		RateLimit: RateLimitConfig{
			Strict:     RatePolicy{Limit: 5, Window: 15 * time.Minute},
			General:    RatePolicy{Limit: 100, Window: 15 * time.Minute},
			Validation: RatePolicy{Limit: 60, Window: time.Minute},
		},
		CSRF: CSRFConfig{
			TTL:        24 * time.Hour,
			CookieName: "idp_csrf",
			HeaderName: "X-CSRF-Token",
			FormField:  "csrf_token",
		},
		Mail: MailConfig{
			Async:        true,
			QueueSize:    256,
			Workers:      2,
			MaxAttempts:  3,
			RetryBackoff: 500 * time.Millisecond,
			SendTimeout:  10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Store: StoreConfig{
			KeyPrefix:  "idp",
			Timeout:    2 * time.Second,
			SweepBatch: 500,
		},
		Security: SecurityConfig{
			ProductionMode:  false,
			RateLimitBypass: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.OAuth.SupportedScopes = append([]string(nil), cfg.OAuth.SupportedScopes...)
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MagicLink.Secret = cloneBytes(cfg.MagicLink.Secret)
	out.StepUp.Secret = cloneBytes(cfg.StepUp.Secret)
	out.CSRF.Secret = cloneBytes(cfg.CSRF.Secret)
	out.Security.TrustedProxies = append([]string(nil), cfg.Security.TrustedProxies...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

const minSecretBytes = 32

// Validate returns the first configuration problem found, or nil.
func (c *Config) Validate() error {
	if c.Session.SlidingWindow <= 0 {
		return errors.New("Session SlidingWindow must be > 0")
	}
	if c.Session.AbsoluteLifetime < c.Session.SlidingWindow {
		return errors.New("Session AbsoluteLifetime must be >= SlidingWindow")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return errors.New("Session CookieName is required")
	}

	issuer, err := url.Parse(c.OAuth.Issuer)
	if c.OAuth.Issuer == "" || err != nil || issuer.Scheme == "" || issuer.Host == "" {
		return errors.New("OAuth Issuer must be an absolute URL")
	}
	if issuer.RawQuery != "" || issuer.Fragment != "" {
		return errors.New("OAuth Issuer must not carry a query or fragment")
	}
	if c.OAuth.CodeTTL <= 0 || c.OAuth.CodeTTL > 10*time.Minute {
		return errors.New("OAuth CodeTTL must be in (0, 10m]")
	}
	if c.OAuth.AccessTokenTTL <= 0 {
		return errors.New("OAuth AccessTokenTTL must be > 0")
	}
	if c.OAuth.RefreshTokenTTL <= 0 {
		return errors.New("OAuth RefreshTokenTTL must be > 0")
	}
	if !containsString(c.OAuth.SupportedScopes, "openid") {
		return errors.New("OAuth SupportedScopes must include openid")
	}

	if c.JWT.IDTokenTTL <= 0 {
		return errors.New("JWT IDTokenTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < minSecretBytes {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	if c.MagicLink.Enabled {
		if c.MagicLink.TTL <= 0 {
			return errors.New("MagicLink TTL must be > 0")
		}
		if len(c.MagicLink.Secret) < minSecretBytes {
			return errors.New("MagicLink Secret must be at least 32 bytes")
		}
		if c.MagicLink.BaseURL == "" {
			return errors.New("MagicLink BaseURL is required when enabled")
		}
	}

	if len(c.StepUp.Secret) > 0 && len(c.StepUp.Secret) < minSecretBytes {
		return errors.New("StepUp Secret must be at least 32 bytes")
	}
	if c.StepUp.Enabled && len(c.StepUp.Secret) == 0 {
		return errors.New("StepUp Secret is required when step-up is enabled")
	}
	if c.StepUp.MinLoginCount < 0 || c.StepUp.MaxLoginCount < c.StepUp.MinLoginCount {
		return errors.New("StepUp login window is invalid")
	}
	if c.StepUp.Probability < 0 || c.StepUp.Probability > 1 {
		return errors.New("StepUp Probability must be within [0, 1]")
	}
	if c.StepUp.PINTTL <= 0 || c.StepUp.PINTTL > 15*time.Minute {
		return errors.New("StepUp PINTTL must be in (0, 15m]")
	}
	if c.StepUp.MaxAttempts <= 0 {
		return errors.New("StepUp MaxAttempts must be > 0")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 1 || c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password length bounds are invalid")
	}

	if c.PasswordReset.Enabled {
		if c.PasswordReset.TTL <= 0 {
			return errors.New("PasswordReset TTL must be > 0")
		}
		if c.PasswordReset.MaxAttempts <= 0 {
			return errors.New("PasswordReset MaxAttempts must be > 0")
		}
		if c.PasswordReset.BaseURL == "" {
			return errors.New("PasswordReset BaseURL is required when enabled")
		}
	}

	for name, p := range map[string]RatePolicy{
		"Strict":     c.RateLimit.Strict,
		"General":    c.RateLimit.General,
		"Validation": c.RateLimit.Validation,
	} {
		if p.Limit <= 0 || p.Window <= 0 {
			return errors.New("RateLimit " + name + " policy must have Limit > 0 and Window > 0")
		}
	}

	if len(c.CSRF.Secret) > 0 && len(c.CSRF.Secret) < minSecretBytes {
		return errors.New("CSRF Secret must be at least 32 bytes")
	}
	if c.CSRF.TTL <= 0 {
		return errors.New("CSRF TTL must be > 0")
	}
	if c.CSRF.CookieName == "" || c.CSRF.HeaderName == "" {
		return errors.New("CSRF CookieName and HeaderName are required")
	}

	if c.Mail.MaxAttempts < 0 || c.Mail.RetryBackoff < 0 || c.Mail.SendTimeout < 0 {
		return errors.New("Mail retry settings must be >= 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if strings.TrimSpace(c.Store.KeyPrefix) == "" {
		return errors.New("Store KeyPrefix is required")
	}
	if c.Store.Timeout <= 0 {
		return errors.New("Store Timeout must be > 0")
	}
	for _, p := range c.Security.TrustedProxies {
		if _, err := parseProxy(p); err != nil {
			return errors.New("Security TrustedProxies contains an invalid address: " + p)
		}
	}

	if c.Security.ProductionMode {
		if c.Security.RateLimitBypass {
			return errors.New("ProductionMode forbids RateLimitBypass")
		}
		if issuer.Scheme != "https" {
			return errors.New("ProductionMode requires an https Issuer")
		}
		if len(c.CSRF.Secret) == 0 {
			return errors.New("ProductionMode requires a CSRF Secret")
		}
		if c.Password.Memory < 65536 {
			return errors.New("ProductionMode requires Password Memory >= 65536 KB")
		}
		if c.Password.Time < 2 {
			return errors.New("ProductionMode requires Password Time >= 2")
		}
		if c.OAuth.AccessTokenTTL > time.Hour {
			return errors.New("ProductionMode requires OAuth AccessTokenTTL <= 1h")
		}
	}

	return nil
}

// CookieSameSite is the SameSite mode for every cookie: None for
// cross-subdomain production deployments, Lax otherwise.
func (c *Config) CookieSameSite() http.SameSite {
	if c.Security.ProductionMode && c.Cookie.CrossSite {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// CookieSecure reports whether cookies carry the Secure attribute.
func (c *Config) CookieSecure() bool {
	return c.Security.ProductionMode || c.Cookie.CrossSite
}

func parseProxy(p string) (netip.Prefix, error) {
	if strings.Contains(p, "/") {
		return netip.ParsePrefix(p)
	}
	addr, err := netip.ParseAddr(p)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
