// Command goidp-server runs the identity provider over HTTP.
//
// Configuration is read from the TOML file named by -config and then from
// GOIDP_* environment variables. Without redis.addr an in-process miniredis
// is started, which only suits local development.
//
//	go run ./cmd/goidp-server -config goidp.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/auditlog"
	"github.com/MrEthical07/goIdP/httpapi"
	"github.com/MrEthical07/goIdP/internal/audit"
	"github.com/MrEthical07/goIdP/internal/config"
	"github.com/MrEthical07/goIdP/internal/logging"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/metrics/export/prometheus"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "goidp-server: %v\n", err)
		os.Exit(1)
	}
}

// run starts the server and blocks until ctx is done. When ready is not nil
// it receives the bound listener address once the server accepts requests.
func run(ctx context.Context, args []string, stderr io.Writer, ready chan<- string) error {
	fs := flag.NewFlagSet("goidp-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, stderr)

	rdb, closeRedis, err := openRedis(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	engineCfg, generatedKey, err := cfg.Engine()
	if err != nil {
		return err
	}
	if generatedKey {
		logger.Warn().Msg("no signing key configured; using an ephemeral ed25519 key")
	}

	builder := goIdP.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithLogger(logger)

	if cfg.Audit.Enabled {
		sink, err := auditlog.Open(cfg.Audit.SQLitePath, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		var auditSink goIdP.AuditSink = sink
		if cfg.Audit.JSONLog {
			auditSink = audit.MultiSink{sink, audit.NewJSONWriterSink(stderr)}
		}
		builder = builder.WithAuditSink(auditSink)
	}

	if cfg.Mail.Endpoint != "" {
		sender, err := newMailSender(cfg.Mail)
		if err != nil {
			return err
		}
		builder = builder.WithMailSender(sender)
	}
	if cfg.Mail.From != "" {
		builder = builder.WithMailResolver(mail.StaticResolver{From: cfg.Mail.From})
	}

	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	for _, w := range engineCfg.Lint() {
		logger.Warn().Str("code", w.Code).Str("severity", w.Severity.String()).Msg(w.Message)
	}

	opts := httpapi.Options{LoginURL: cfg.Server.LoginURL}
	if cfg.Metrics.Enabled {
		opts.Metrics = prometheus.NewExporter(engine).Handler()
	}
	api, err := httpapi.New(engine, opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	go sweepLoop(ctx, engine, cfg.Server.SweepInterval.Std(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info().Str("addr", ln.Addr().String()).Str("issuer", engineCfg.OAuth.Issuer).Msg("listening")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func newLogger(cfg config.LoggingConfig, stderr io.Writer) zerolog.Logger {
	if stderr == os.Stderr {
		return logging.New(cfg.Level, cfg.Format)
	}
	return logging.NewWithOutput(cfg.Level, stderr)
}

func openRedis(cfg config.RedisConfig, logger zerolog.Logger) (redis.UniversalClient, func(), error) {
	addr := cfg.Addr
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		addr = mr.Addr()
		logger.Warn().Str("addr", addr).Msg("no redis.addr configured; using in-process miniredis")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	cleanup := func() {
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	}
	return client, cleanup, nil
}

func newMailSender(cfg config.MailConfig) (mail.Sender, error) {
	opts := []mail.HTTPOption{mail.WithProviderName(cfg.Provider)}
	if cfg.TokenURL != "" {
		opts = append(opts, mail.WithClientCredentials(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret))
	}
	return mail.NewHTTPSender(cfg.Endpoint, opts...)
}

// sweepLoop prunes expired index entries until ctx is done. A zero interval
// disables it.
func sweepLoop(ctx context.Context, engine *goIdP.Engine, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := engine.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("sweep failed")
				continue
			}
			logger.Debug().
				Int("session_index_entries", res.SessionIndexEntries).
				Int("token_index_entries", res.TokenIndexEntries).
				Msg("sweep finished")
		}
	}
}
