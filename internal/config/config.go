// Package config loads the reference server configuration: defaults, then
// an optional TOML file, then GOIDP_* environment variables.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GOIDP_"

// Duration decodes "15m"-style strings from TOML and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the server configuration file.
type Config struct {
	Server  ServerConfig  `toml:"server"  envPrefix:"SERVER_"`
	Redis   RedisConfig   `toml:"redis"   envPrefix:"REDIS_"`
	Logging LoggingConfig `toml:"logging" envPrefix:"LOG_"`
	Audit   AuditConfig   `toml:"audit"   envPrefix:"AUDIT_"`
	Mail    MailConfig    `toml:"mail"    envPrefix:"MAIL_"`
	Metrics MetricsConfig `toml:"metrics" envPrefix:"METRICS_"`
	IdP     IdPConfig     `toml:"idp"     envPrefix:"IDP_"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string   `toml:"addr"             env:"ADDR"`
	LoginURL        string   `toml:"login_url"        env:"LOGIN_URL"`
	ReadTimeout     Duration `toml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    Duration `toml:"write_timeout"    env:"WRITE_TIMEOUT"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	SweepInterval   Duration `toml:"sweep_interval"   env:"SWEEP_INTERVAL"`
}

// RedisConfig selects the backing store. An empty Addr starts an
// in-process miniredis, which is refused in production.
type RedisConfig struct {
	Addr      string   `toml:"addr"       env:"ADDR"`
	Username  string   `toml:"username"   env:"USERNAME"`
	Password  string   `toml:"password"   env:"PASSWORD"`
	DB        int      `toml:"db"         env:"DB"`
	KeyPrefix string   `toml:"key_prefix" env:"KEY_PREFIX"`
	Timeout   Duration `toml:"timeout"    env:"TIMEOUT"`
}

// LoggingConfig selects the zerolog level and output format.
type LoggingConfig struct {
	Level  string `toml:"level"  env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// AuditConfig enables the SQLite audit sink. JSONLog additionally writes
// every event as a JSON line to the server's stderr.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled"     env:"ENABLED"`
	SQLitePath string `toml:"sqlite_path" env:"SQLITE_PATH"`
	BufferSize int    `toml:"buffer_size" env:"BUFFER_SIZE"`
	JSONLog    bool   `toml:"json_log"    env:"JSON_LOG"`
}

// MailConfig configures the HTTP mail sender. Without an endpoint messages
// are written to the log.
type MailConfig struct {
	Endpoint      string   `toml:"endpoint"        env:"ENDPOINT"`
	Provider      string   `toml:"provider"        env:"PROVIDER"`
	From          string   `toml:"from"            env:"FROM"`
	TokenURL      string   `toml:"token_url"       env:"TOKEN_URL"`
	ClientID      string   `toml:"client_id"       env:"CLIENT_ID"`
	ClientSecret  string   `toml:"client_secret"   env:"CLIENT_SECRET"`
	Workers       int      `toml:"workers"         env:"WORKERS"`
	QueueSize     int      `toml:"queue_size"      env:"QUEUE_SIZE"`
	RatePerSecond float64  `toml:"rate_per_second" env:"RATE_PER_SECOND"`
	SendTimeout   Duration `toml:"send_timeout"    env:"SEND_TIMEOUT"`
}

// MetricsConfig exposes engine counters in Prometheus text format.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"    env:"ENABLED"`
	Histograms bool `toml:"histograms" env:"HISTOGRAMS"`
}

// IdPConfig is the subset of engine settings an operator tunes.
type IdPConfig struct {
	Issuer          string   `toml:"issuer"            env:"ISSUER"`
	Production      bool     `toml:"production"        env:"PRODUCTION"`
	CookieDomain    string   `toml:"cookie_domain"     env:"COOKIE_DOMAIN"`
	CrossSite       bool     `toml:"cross_site"        env:"CROSS_SITE"`
	TrustedProxies  []string `toml:"trusted_proxies"   env:"TRUSTED_PROXIES"`
	RateLimitBypass bool     `toml:"rate_limit_bypass" env:"RATE_LIMIT_BYPASS"`

	SessionSliding  Duration `toml:"session_sliding"  env:"SESSION_SLIDING"`
	SessionAbsolute Duration `toml:"session_absolute" env:"SESSION_ABSOLUTE"`
	CodeTTL         Duration `toml:"code_ttl"         env:"CODE_TTL"`
	AccessTokenTTL  Duration `toml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL Duration `toml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL"`

	SigningMethod  string `toml:"signing_method"   env:"SIGNING_METHOD"`
	PrivateKeyFile string `toml:"private_key_file" env:"PRIVATE_KEY_FILE"`
	HMACKey        string `toml:"hmac_key"         env:"HMAC_KEY"`
	KeyID          string `toml:"key_id"           env:"KEY_ID"`

	MagicLinkEnabled bool   `toml:"magic_link_enabled"  env:"MAGIC_LINK_ENABLED"`
	MagicLinkBaseURL string `toml:"magic_link_base_url" env:"MAGIC_LINK_BASE_URL"`
	MagicLinkSecret  string `toml:"magic_link_secret"   env:"MAGIC_LINK_SECRET"`

	StepUpEnabled     bool    `toml:"step_up_enabled"     env:"STEP_UP_ENABLED"`
	StepUpSecret      string  `toml:"step_up_secret"      env:"STEP_UP_SECRET"`
	StepUpMinLogins   int64   `toml:"step_up_min_logins"  env:"STEP_UP_MIN_LOGINS"`
	StepUpMaxLogins   int64   `toml:"step_up_max_logins"  env:"STEP_UP_MAX_LOGINS"`
	StepUpProbability float64 `toml:"step_up_probability" env:"STEP_UP_PROBABILITY"`

	PasswordResetEnabled bool   `toml:"password_reset_enabled"  env:"PASSWORD_RESET_ENABLED"`
	PasswordResetBaseURL string `toml:"password_reset_base_url" env:"PASSWORD_RESET_BASE_URL"`

	CSRFSecret string `toml:"csrf_secret" env:"CSRF_SECRET"`
}

// Default returns the development defaults.
func Default() *Config {
	engine := goIdP.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			SweepInterval:   Duration(10 * time.Minute),
		},
		Redis: RedisConfig{
			KeyPrefix: engine.Store.KeyPrefix,
			Timeout:   Duration(engine.Store.Timeout),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			SQLitePath: "goidp-audit.db",
			BufferSize: engine.Audit.BufferSize,
		},
		Mail: MailConfig{
			Provider:    "http",
			Workers:     engine.Mail.Workers,
			QueueSize:   engine.Mail.QueueSize,
			SendTimeout: Duration(engine.Mail.SendTimeout),
		},
		IdP: IdPConfig{
			Issuer:            "http://localhost:8080",
			SessionSliding:    Duration(engine.Session.SlidingWindow),
			SessionAbsolute:   Duration(engine.Session.AbsoluteLifetime),
			CodeTTL:           Duration(engine.OAuth.CodeTTL),
			AccessTokenTTL:    Duration(engine.OAuth.AccessTokenTTL),
			RefreshTokenTTL:   Duration(engine.OAuth.RefreshTokenTTL),
			SigningMethod:     engine.JWT.SigningMethod,
			StepUpMinLogins:   engine.StepUp.MinLoginCount,
			StepUpMaxLogins:   engine.StepUp.MaxLoginCount,
			StepUpProbability: engine.StepUp.Probability,
		},
	}
}

// Load reads defaults, then path when it is not empty, then the
// environment. A named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the engine does not own. Engine settings are
// validated when the engine is built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.SweepInterval.Std() < 0 {
		return errors.New("server.sweep_interval must be >= 0")
	}
	if c.IdP.Production && c.Redis.Addr == "" {
		return errors.New("redis.addr is required in production")
	}
	if c.IdP.Production && c.IdP.SigningMethod == "ed25519" && c.IdP.PrivateKeyFile == "" {
		return errors.New("idp.private_key_file is required in production")
	}
	if c.Audit.Enabled && c.Audit.SQLitePath == "" {
		return errors.New("audit.sqlite_path is required when audit is enabled")
	}
	if c.Mail.TokenURL != "" && (c.Mail.ClientID == "" || c.Mail.ClientSecret == "") {
		return errors.New("mail.client_id and mail.client_secret are required with mail.token_url")
	}
	return nil
}

// Engine builds the engine configuration. Without a key file outside
// production an ephemeral Ed25519 key is generated; generated reports that.
func (c *Config) Engine() (cfg goIdP.Config, generated bool, err error) {
	cfg = goIdP.DefaultConfig()
	idp := c.IdP

	cfg.Security.ProductionMode = idp.Production
	cfg.Security.RateLimitBypass = idp.RateLimitBypass
	cfg.Security.TrustedProxies = append([]string(nil), idp.TrustedProxies...)
	cfg.Cookie.Domain = idp.CookieDomain
	cfg.Cookie.CrossSite = idp.CrossSite

	cfg.Session.SlidingWindow = idp.SessionSliding.Std()
	cfg.Session.AbsoluteLifetime = idp.SessionAbsolute.Std()
	cfg.OAuth.Issuer = strings.TrimRight(idp.Issuer, "/")
	cfg.OAuth.CodeTTL = idp.CodeTTL.Std()
	cfg.OAuth.AccessTokenTTL = idp.AccessTokenTTL.Std()
	cfg.OAuth.RefreshTokenTTL = idp.RefreshTokenTTL.Std()

	cfg.JWT.SigningMethod = idp.SigningMethod
	cfg.JWT.KeyID = idp.KeyID
	switch idp.SigningMethod {
	case "hs256":
		cfg.JWT.PrivateKey = []byte(idp.HMACKey)
	default:
		if idp.PrivateKeyFile != "" {
			pem, err := os.ReadFile(idp.PrivateKeyFile)
			if err != nil {
				return cfg, false, fmt.Errorf("read private key: %w", err)
			}
			cfg.JWT.PrivateKey = pem
		} else {
			_, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return cfg, false, err
			}
			cfg.JWT.PrivateKey = priv
			generated = true
		}
	}

	cfg.MagicLink.Enabled = idp.MagicLinkEnabled
	cfg.MagicLink.BaseURL = idp.MagicLinkBaseURL
	cfg.MagicLink.Secret = []byte(idp.MagicLinkSecret)

	cfg.StepUp.Enabled = idp.StepUpEnabled
	cfg.StepUp.Secret = []byte(idp.StepUpSecret)
	cfg.StepUp.MinLoginCount = idp.StepUpMinLogins
	cfg.StepUp.MaxLoginCount = idp.StepUpMaxLogins
	cfg.StepUp.Probability = idp.StepUpProbability

	cfg.PasswordReset.Enabled = idp.PasswordResetEnabled
	cfg.PasswordReset.BaseURL = idp.PasswordResetBaseURL

	if idp.CSRFSecret != "" {
		cfg.CSRF.Secret = []byte(idp.CSRFSecret)
	}

	cfg.Store.KeyPrefix = c.Redis.KeyPrefix
	cfg.Store.Timeout = c.Redis.Timeout.Std()

	cfg.Audit.Enabled = c.Audit.Enabled
	if c.Audit.BufferSize > 0 {
		cfg.Audit.BufferSize = c.Audit.BufferSize
	}
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Histograms

	cfg.Mail.Workers = c.Mail.Workers
	cfg.Mail.QueueSize = c.Mail.QueueSize
	cfg.Mail.RatePerSecond = c.Mail.RatePerSecond
	cfg.Mail.SendTimeout = c.Mail.SendTimeout.Std()

	return cfg, generated, nil
}
