package goIdP

import (
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/goIdP/internal/audit"
	"github.com/MrEthical07/goIdP/internal/magiclink"
	"github.com/MrEthical07/goIdP/internal/rate"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/password"
	"github.com/MrEthical07/goIdP/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Builder defines a public type used by goIdP APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	logger zerolog.Logger

	auditSink      AuditSink
	mailSender     mail.Sender
	mailResolver   mail.ConfigResolver
	passwordHasher password.Hasher
	stepUp         StepUpPolicy
	clock          func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig] and a no-op logger.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the whole configuration. cfg is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the backing store. A single node, cluster or failover
// client all work.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger used for operational messages.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets where audit events go. The sink only receives events
// when Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMailSender sets the delivery backend for magic links, step-up PINs
// and reset links. Without one, messages are written to the logger.
func (b *Builder) WithMailSender(sender mail.Sender) *Builder {
	b.mailSender = sender
	return b
}

// WithMailResolver sets the per-organization sender settings lookup.
func (b *Builder) WithMailResolver(resolver mail.ConfigResolver) *Builder {
	b.mailResolver = resolver
	return b
}

// WithPasswordHasher replaces the Argon2id hasher built from Config.Password.
func (b *Builder) WithPasswordHasher(h password.Hasher) *Builder {
	b.passwordHasher = h
	return b
}

// WithStepUpPolicy replaces the default [WindowPolicy].
func (b *Builder) WithStepUpPolicy(p StepUpPolicy) *Builder {
	b.stepUp = p
	return b
}

// WithClock overrides time.Now. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithMetricsEnabled toggles the in-process counters read by the exporters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms enables the session validation latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the stores and starts the audit
// and mail dispatchers. A Builder can be used once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prefix := cfg.Store.KeyPrefix
	engine := &Engine{
		config:      cfg,
		logger:      b.logger.With().Str("component", "goidp").Logger(),
		redis:       b.redis,
		sessions:    session.NewStore(b.redis, prefix),
		users:       stores.NewUserStore(b.redis, prefix),
		clients:     stores.NewClientStore(b.redis, prefix),
		codes:       stores.NewCodeStore(b.redis, prefix),
		tokens:      stores.NewTokenStore(b.redis, prefix),
		consents:    stores.NewConsentStore(b.redis, prefix),
		permissions: stores.NewPermissionStore(b.redis, prefix),
		magicLinks:  stores.NewMagicLinkStore(b.redis, prefix),
		pins:        stores.NewPINStore(b.redis, prefix),
		resets:      stores.NewResetStore(b.redis, prefix),
		settings:    stores.NewSettingsStore(b.redis, prefix),
		now:         time.Now,
	}
	if b.clock != nil {
		engine.now = b.clock
	}

	// -------- RATE LIMITER --------
	engine.limiter = rate.New(b.redis, rate.Config{
		Prefix: prefix + ":rl",
		Policies: map[rate.Tier]rate.Policy{
			rate.TierStrict:     {Limit: cfg.RateLimit.Strict.Limit, Window: cfg.RateLimit.Strict.Window},
			rate.TierGeneral:    {Limit: cfg.RateLimit.General.Limit, Window: cfg.RateLimit.General.Window},
			rate.TierValidation: {Limit: cfg.RateLimit.Validation.Limit, Window: cfg.RateLimit.Validation.Window},
		},
	})

	// -------- CREDENTIAL SIGNERS --------
	if cfg.MagicLink.Enabled {
		signer, err := magiclink.NewSigner(cfg.MagicLink.Secret)
		if err != nil {
			return nil, err
		}
		engine.linkSigner = signer
	}

	jm, err := jwt.NewManager(jwt.Config{
		IDTokenTTL:    cfg.JWT.IDTokenTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.OAuth.Issuer,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}
	engine.idTokens = jm

	// -------- HASHERS --------
	if b.passwordHasher != nil {
		engine.passwords = b.passwordHasher
	} else {
		ph, err := password.NewArgon2(password.Config{
			Memory:           cfg.Password.Memory,
			Time:             cfg.Password.Time,
			Parallelism:      cfg.Password.Parallelism,
			SaltLength:       cfg.Password.SaltLength,
			KeyLength:        cfg.Password.KeyLength,
			MinPasswordBytes: cfg.Password.MinLength,
			MaxPasswordBytes: cfg.Password.MaxLength,
		})
		if err != nil {
			return nil, err
		}
		engine.passwords = ph
	}

	engine.dummyHash = sync.OnceValue(func() string {
		hash, err := engine.passwords.Hash(dummyPassword)
		if err != nil {
			return ""
		}
		return hash
	})

	sh, err := password.NewSecretHasher(cfg.OAuth.ClientSecretCost)
	if err != nil {
		return nil, err
	}
	engine.secrets = sh

	// -------- STEP-UP --------
	if b.stepUp != nil {
		engine.stepUp = b.stepUp
	} else {
		engine.stepUp = &WindowPolicy{
			MinLogin:    cfg.StepUp.MinLoginCount,
			MaxLogin:    cfg.StepUp.MaxLoginCount,
			Probability: cfg.StepUp.Probability,
			Toggle:      engine,
		}
	}

	// -------- MAIL / AUDIT / METRICS --------
	sender := b.mailSender
	if sender == nil {
		sender = mail.NewLogSender(engine.logger)
	}
	md, err := mail.NewDispatcher(mail.Config{
		Async:         cfg.Mail.Async,
		QueueSize:     cfg.Mail.QueueSize,
		Workers:       cfg.Mail.Workers,
		MaxAttempts:   cfg.Mail.MaxAttempts,
		RetryBackoff:  cfg.Mail.RetryBackoff,
		SendTimeout:   cfg.Mail.SendTimeout,
		RatePerSecond: cfg.Mail.RatePerSecond,
		Burst:         cfg.Mail.Burst,
	}, sender, b.mailResolver, engine.logger)
	if err != nil {
		return nil, err
	}
	engine.mail = md

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
