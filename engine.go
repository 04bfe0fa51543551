package goIdP

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
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

// Engine defines a public type used by goIdP APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config Config
	logger zerolog.Logger
	redis  redis.UniversalClient

	sessions    *session.Store
	users       *stores.UserStore
	clients     *stores.ClientStore
	codes       *stores.CodeStore
	tokens      *stores.TokenStore
	consents    *stores.ConsentStore
	permissions *stores.PermissionStore
	magicLinks  *stores.MagicLinkStore
	pins        *stores.PINStore
	resets      *stores.ResetStore
	settings    *stores.SettingsStore
	limiter     *rate.Limiter

	linkSigner *magiclink.Signer
	idTokens   *jwt.Manager
	passwords  password.Hasher
	dummyHash  func() string
	secrets    *password.SecretHasher
	stepUp     StepUpPolicy

	mail    *mail.Dispatcher
	audit   *audit.Dispatcher
	metrics *Metrics
	now     func() time.Time
}

// Close drains the audit and mail queues. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.mail != nil {
		e.mail.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MailStats returns delivery counters of the mail dispatcher.
func (e *Engine) MailStats() mail.Stats {
	if e == nil || e.mail == nil {
		return mail.Stats{}
	}
	return e.mail.Stats()
}

// MetricsSnapshot copies the counters. It returns empty maps when metrics
// are disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the configuration the engine was built with.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Logger returns the engine logger so transports can log with the same
// sink and level.
func (e *Engine) Logger() zerolog.Logger {
	return e.logger
}

// Ping measures the round trip to the backing store.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	d, err := e.sessions.Ping(ctx)
	if err != nil {
		return 0, e.backendError("ping", err)
	}
	return d, nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeLatency(id MetricID, start time.Time) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, time.Since(start))
}

// storeContext bounds the store work of one operation.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Store.Timeout)
}

// backendError logs a failed store call and returns it classified as
// [ErrBackendUnavailable].
func (e *Engine) backendError(op string, err error) error {
	e.logger.Error().Err(err).Str("op", op).Msg("store call failed")
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// sendMail hands msg to the dispatcher. Delivery problems are logged and
// counted but never returned: the credential being mailed is already issued.
func (e *Engine) sendMail(ctx context.Context, msg mail.Message) {
	if e.mail == nil {
		return
	}
	if err := e.mail.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		e.metricInc(MetricMailEnqueueFailed)
		e.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("mail enqueue failed")
	}
}

func isMissingSession(err error) bool {
	return errors.Is(err, redis.Nil)
}

func sortSessionsNewestFirst(list []*Session) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
