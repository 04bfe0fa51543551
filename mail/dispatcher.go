package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config controls dispatcher queueing, pacing and retries.
type Config struct {
	// Async queues messages for background workers. When false, Enqueue
	// sends inline but still never returns a delivery error to the caller.
	Async        bool
	QueueSize    int
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
	// RatePerSecond and Burst pace outgoing sends. Zero disables pacing.
	RatePerSecond float64
	Burst         int
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
	Retried uint64
}

// Dispatcher delivers messages through a [Sender] with bounded retries.
type Dispatcher struct {
	cfg      Config
	sender   Sender
	resolver ConfigResolver
	logger   zerolog.Logger
	limiter  *rate.Limiter

	queue     chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	retried atomic.Uint64
}

// NewDispatcher validates cfg and starts workers when Async is set.
func NewDispatcher(cfg Config, sender Sender, resolver ConfigResolver, logger zerolog.Logger) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("mail: sender required")
	}
	if resolver == nil {
		resolver = StaticResolver{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff < 0 {
		return nil, errors.New("mail: RetryBackoff must be >= 0")
	}

	d := &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		resolver: resolver,
		logger:   logger.With().Str("component", "mail").Logger(),
		done:     make(chan struct{}),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	if cfg.Async {
		if cfg.QueueSize <= 0 {
			cfg.QueueSize = 64
		}
		if cfg.Workers <= 0 {
			cfg.Workers = 1
		}
		d.cfg = cfg
		d.queue = make(chan Message, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	}

	return d, nil
}

// Enqueue hands msg to delivery. In async mode it returns [ErrQueueFull]
// instead of blocking; in sync mode delivery errors are logged, not returned.
// Either way a nil error does not mean the message was delivered.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) error {
	if d == nil {
		return nil
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if msg.To == "" {
		return ErrInvalidRecipient
	}

	if !d.cfg.Async {
		d.deliver(ctx, msg)
		return nil
	}

	select {
	case d.queue <- msg:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("subject", msg.Subject).Msg("mail queue full; message dropped")
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Retried: d.retried.Load(),
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case msg := <-d.queue:
			d.deliver(context.Background(), msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.queue:
					d.deliver(context.Background(), msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	// Delivery outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)

	receipt, err := d.send(ctx, msg)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("subject", msg.Subject).Msg("mail delivery failed")
		return
	}
	d.sent.Add(1)
	d.logger.Debug().
		Str("provider", receipt.Provider).
		Str("message_id", receipt.ID).
		Str("subject", msg.Subject).
		Msg("mail delivered")
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (Receipt, error) {
	cfg, err := d.resolver.Resolve(ctx, msg.To)
	if err != nil {
		return Receipt{}, fmt.Errorf("resolve sender config: %w", err)
	}
	if cfg.Disabled {
		return Receipt{}, ErrDisabled
	}
	if msg.From == "" {
		msg.From = cfg.From
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.retried.Add(1)
			if !d.sleep(time.Duration(attempt-1) * d.cfg.RetryBackoff) {
				return Receipt{}, fmt.Errorf("%w: %v", ErrClosed, lastErr)
			}
		}
		if err := d.pace(ctx); err != nil {
			return Receipt{}, fmt.Errorf("rate limit wait: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		receipt, err := d.sender.Send(attemptCtx, msg)
		cancel()
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if errors.Is(err, ErrInvalidRecipient) {
			break
		}
	}
	return Receipt{}, lastErr
}

// pace waits for a send slot for at most SendTimeout. The limiter fails
// at once when the slot lies beyond that deadline.
func (d *Dispatcher) pace(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return d.limiter.Wait(waitCtx)
}

// sleep waits for dur and reports false if the dispatcher closed meanwhile.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.done:
		return false
	}
}
