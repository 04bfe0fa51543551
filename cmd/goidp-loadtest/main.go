// Command goidp-loadtest measures session validation and refresh token
// rotation against a real or in-process Redis.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/config"
	"github.com/MrEthical07/goIdP/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	loadClientID    = "loadtest"
	loadRedirectURI = "https://loadtest.example.test/cb"
)

type grantState struct {
	refreshToken string
	mu           sync.Mutex
}

type options struct {
	sessions    int
	grants      int
	concurrency int
	ops         int
	redisAddr   string
	prefix      string
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "goidp-loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("goidp-loadtest", flag.ContinueOnError)
	var opts options
	fs.IntVar(&opts.sessions, "sessions", 10000, "number of sessions to seed")
	fs.IntVar(&opts.grants, "grants", 500, "number of refresh grants to seed")
	fs.IntVar(&opts.concurrency, "concurrency", 64, "number of concurrent workers")
	fs.IntVar(&opts.ops, "ops", 50000, "operations per phase (validate + refresh)")
	fs.StringVar(&opts.redisAddr, "redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	fs.StringVar(&opts.prefix, "prefix", "lt", "engine key prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.sessions <= 0 || opts.grants <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
		return fmt.Errorf("sessions, grants, concurrency, and ops must be > 0")
	}

	addr := opts.redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Fprintf(out, "using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	defer cleanup()

	engine, err := newEngine(client, opts.prefix)
	if err != nil {
		return err
	}
	defer engine.Close()

	user, err := engine.RegisterWithPassword(ctx, "load@example.test", "load-test-password-1", "Load Test")
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if _, err := engine.RegisterClient(ctx, goIdP.ClientRegistration{
		ClientID:      loadClientID,
		Name:          "Load Test",
		RedirectURIs:  []string{loadRedirectURI},
		AllowedScopes: []string{"openid", "offline_access"},
		GrantTypes:    []string{model.GrantAuthorizationCode, model.GrantRefreshToken},
		Public:        true,
		Trusted:       true,
	}); err != nil {
		return fmt.Errorf("register client: %w", err)
	}

	meta := goIdP.SessionMetadata{IP: "192.0.2.10", UserAgent: "goidp-loadtest"}
	tokens := make([]string, opts.sessions)
	fmt.Fprintf(out, "seeding %d sessions...\n", opts.sessions)
	startSeed := time.Now()
	for i := range tokens {
		if tokens[i], err = engine.CreateSession(ctx, user.ID, meta); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}
	fmt.Fprintf(out, "seeded sessions in %s\n", time.Since(startSeed).Round(time.Millisecond))

	grants := make([]grantState, opts.grants)
	startSeed = time.Now()
	for i := range grants {
		rt, err := seedGrant(ctx, engine, user.ID)
		if err != nil {
			return fmt.Errorf("seed grant: %w", err)
		}
		grants[i].refreshToken = rt
	}
	fmt.Fprintf(out, "seeded %d grants in %s\n", opts.grants, time.Since(startSeed).Round(time.Millisecond))

	validateStats := runValidatePhase(ctx, engine, tokens, meta, opts.ops, opts.concurrency)
	refreshStats := runRefreshPhase(ctx, engine, grants, opts.ops, opts.concurrency)

	fmt.Fprintln(out, "---- results ----")
	printStats(out, "validate", validateStats)
	printStats(out, "refresh", refreshStats)
	return nil
}

func newEngine(client redis.UniversalClient, prefix string) (*goIdP.Engine, error) {
	base := config.Default()
	base.Redis.KeyPrefix = prefix
	base.IdP.RateLimitBypass = true
	cfg, _, err := base.Engine()
	if err != nil {
		return nil, err
	}
	cfg.Audit.Enabled = false
	return goIdP.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(zerolog.Nop()).
		Build()
}

// seedGrant runs one authorization code exchange and returns the refresh
// token it issued.
func seedGrant(ctx context.Context, engine *goIdP.Engine, userID string) (string, error) {
	verifier, challenge, err := pkcePair()
	if err != nil {
		return "", err
	}
	res, err := engine.Authorize(ctx, goIdP.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            loadClientID,
		RedirectURI:         loadRedirectURI,
		Scope:               "openid offline_access",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              userID,
		AuthTime:            time.Now(),
	})
	if err != nil {
		return "", err
	}
	tok, err := engine.Token(ctx, goIdP.TokenRequest{
		GrantType:    model.GrantAuthorizationCode,
		Code:         res.Code,
		RedirectURI:  loadRedirectURI,
		CodeVerifier: verifier,
		ClientID:     loadClientID,
	})
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token issued")
	}
	return tok.RefreshToken, nil
}

func pkcePair() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// runPhase calls op ops times from concurrency workers and reports the
// latency distribution. Each worker keeps its own samples.
func runPhase(ops, concurrency int, op func(r *mrand.Rand) error) phaseStats {
	var (
		wg       sync.WaitGroup
		next     atomic.Int64
		failures atomic.Int64
	)
	perWorker := make([][]time.Duration, concurrency)

	start := time.Now()
	for w := range perWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), uint64(w)))
			for next.Add(1) <= int64(ops) {
				began := time.Now()
				if err := op(r); err != nil {
					failures.Add(1)
				}
				perWorker[w] = append(perWorker[w], time.Since(began))
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	samples := make([]time.Duration, 0, ops)
	for _, s := range perWorker {
		samples = append(samples, s...)
	}
	return computeStats(elapsed, samples, failures.Load())
}

func runValidatePhase(ctx context.Context, engine *goIdP.Engine, tokens []string, meta goIdP.SessionMetadata, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, func(r *mrand.Rand) error {
		_, err := engine.ValidateSession(ctx, tokens[r.IntN(len(tokens))], meta)
		return err
	})
}

// runRefreshPhase rotates refresh tokens. Each grant is held under its own
// lock so a rotation never races a stale token into reuse detection.
func runRefreshPhase(ctx context.Context, engine *goIdP.Engine, grants []grantState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, func(r *mrand.Rand) error {
		g := &grants[r.IntN(len(grants))]
		g.mu.Lock()
		defer g.mu.Unlock()

		tok, err := engine.Token(ctx, goIdP.TokenRequest{
			GrantType:    model.GrantRefreshToken,
			RefreshToken: g.refreshToken,
			ClientID:     loadClientID,
		})
		if err != nil {
			return err
		}
		g.refreshToken = tok.RefreshToken
		return nil
	})
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	st := phaseStats{total: total, ops: len(samples), failures: failures}
	if len(samples) == 0 {
		return st
	}
	slices.Sort(samples)
	st.p50 = percentile(samples, 50)
	st.p95 = percentile(samples, 95)
	st.p99 = percentile(samples, 99)
	st.opsPerS = float64(len(samples)) / total.Seconds()
	return st
}

// percentile picks the nearest-rank sample of an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	p = min(max(p, 0), 100)
	return sorted[(len(sorted)-1)*p/100]
}

func printStats(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
