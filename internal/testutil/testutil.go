// Package testutil builds engines on miniredis for the HTTP and server
// tests. It is not used by production code paths.
package testutil

import (
	"context"
	"crypto/ed25519"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Env is one engine with its backing store and captured mail.
type Env struct {
	Engine *goIdP.Engine
	Redis  *miniredis.Miniredis
	Client redis.UniversalClient
	Outbox *Outbox
	Audit  *AuditRecorder
	Hasher *CountingHasher
	Clock  *Clock
	Config goIdP.Config
}

// Config returns a development configuration with every feature enabled
// and cheap password hashing.
func Config(t testing.TB) goIdP.Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519 key: %v", err)
	}

	cfg := goIdP.DefaultConfig()
	cfg.OAuth.Issuer = "https://idp.example.test"
	cfg.OAuth.ClientSecretCost = 4
	cfg.JWT.PrivateKey = priv
	cfg.JWT.KeyID = "test"
	cfg.MagicLink.Enabled = true
	cfg.MagicLink.Secret = []byte(strings.Repeat("m", 32))
	cfg.MagicLink.BaseURL = "https://app.example.test/magic-link/verify"
	cfg.StepUp.Secret = []byte(strings.Repeat("s", 32))
	cfg.PasswordReset.Enabled = true
	cfg.PasswordReset.BaseURL = "https://app.example.test/reset"
	cfg.CSRF.Secret = []byte(strings.Repeat("c", 32))
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Mail.Async = false
	cfg.Mail.RetryBackoff = 0
	cfg.Metrics.Enabled = true
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	return cfg
}

// NewEngine starts miniredis and builds an engine from [Config] after
// applying mutate.
func NewEngine(t testing.TB, mutate ...func(*goIdP.Config)) *Env {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := Config(t)
	for _, m := range mutate {
		m(&cfg)
	}

	argon, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MinPasswordBytes: cfg.Password.MinLength,
		MaxPasswordBytes: cfg.Password.MaxLength,
	})
	if err != nil {
		t.Fatalf("password hasher: %v", err)
	}
	hasher := &CountingHasher{Hasher: argon}
	outbox := &Outbox{}
	recorder := &AuditRecorder{}
	clock := NewClock(time.Now().UTC().Truncate(time.Second))
	engine, err := goIdP.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithMailSender(outbox).
		WithAuditSink(recorder).
		WithPasswordHasher(hasher).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return &Env{
		Engine: engine,
		Redis:  mr,
		Client: rdb,
		Outbox: outbox,
		Audit:  recorder,
		Hasher: hasher,
		Clock:  clock,
		Config: cfg,
	}
}

// Advance moves the engine clock and miniredis TTLs forward together.
func (env *Env) Advance(d time.Duration) {
	env.Clock.Advance(d)
	env.Redis.FastForward(d)
}

// CountingHasher counts password verifications made by the engine.
type CountingHasher struct {
	password.Hasher
	verifies atomic.Int64
}

func (h *CountingHasher) Verify(pwd, encodedHash string) (bool, error) {
	h.verifies.Add(1)
	return h.Hasher.Verify(pwd, encodedHash)
}

// Verifies returns how many times Verify ran.
func (h *CountingHasher) Verifies() int64 {
	return h.verifies.Load()
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Outbox is a mail.Sender that keeps every message.
type Outbox struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (o *Outbox) Send(_ context.Context, msg mail.Message) (mail.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return mail.Receipt{ID: "outbox-" + time.Now().Format("150405.000000"), Provider: "outbox"}, nil
}

// Messages returns a copy of everything sent so far.
func (o *Outbox) Messages() []mail.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]mail.Message(nil), o.messages...)
}

// Last returns the most recent message sent to to.
func (o *Outbox) Last(to string) (mail.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		if strings.EqualFold(o.messages[i].To, to) {
			return o.messages[i], true
		}
	}
	return mail.Message{}, false
}

// AuditRecorder is an audit sink that keeps every event. Delivery is
// asynchronous, so tests read through [AuditRecorder.Wait].
type AuditRecorder struct {
	mu     sync.Mutex
	events []goIdP.AuditEvent
}

func (a *AuditRecorder) Emit(_ context.Context, event goIdP.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

// Find returns the recorded events with the given action.
func (a *AuditRecorder) Find(action string) []goIdP.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []goIdP.AuditEvent
	for _, ev := range a.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// Wait polls until at least n events with action arrived and returns them.
func (a *AuditRecorder) Wait(t testing.TB, action string, n int) []goIdP.AuditEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := a.Find(action)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit %q: got %d events, want %d", action, len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var (
	linkPattern = regexp.MustCompile(`https?://\S+`)
	pinPattern  = regexp.MustCompile(`\b\d{6}\b`)
)

// LinkToken extracts the "token" query parameter of the first link in msg.
func LinkToken(msg mail.Message) string {
	raw := linkPattern.FindString(msg.Text)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}

// PIN extracts the six-digit code of a step-up message.
func PIN(msg mail.Message) string {
	return pinPattern.FindString(msg.Text)
}
