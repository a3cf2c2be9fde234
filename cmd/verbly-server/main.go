// Command verbly-server is the credential provisioning and usage ledger
// server for the Verbly tutoring product. Browsers obtain ephemeral dialogue
// credentials from POST /api/token; the long-lived vendor API key never
// leaves this process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verbly-ai/verbly/internal/config"
	"github.com/verbly-ai/verbly/internal/health"
	"github.com/verbly-ai/verbly/internal/observe"
	"github.com/verbly-ai/verbly/internal/resilience"
	"github.com/verbly-ai/verbly/internal/token"
	"github.com/verbly-ai/verbly/internal/usage"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verbly-server: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verbly-server: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	slog.Info("verbly-server starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "verbly-server",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("init telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Upstream minter behind the circuit breaker ────────────────────────────
	var minterOpts []token.UpstreamOption
	if cfg.Upstream.BaseURL != "" {
		minterOpts = append(minterOpts, token.WithUpstreamBaseURL(cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.Model != "" {
		minterOpts = append(minterOpts, token.WithModel(cfg.Upstream.Model))
	}
	if cfg.Upstream.Voice != "" {
		minterOpts = append(minterOpts, token.WithVoice(cfg.Upstream.Voice))
	}
	minter, err := token.NewUpstreamMinter(cfg.Upstream.APIKey, minterOpts...)
	if err != nil {
		slog.Error("create upstream minter", "err", err)
		return 1
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "upstream-mint",
		MaxFailures:  cfg.Upstream.Breaker.MaxFailures,
		ResetTimeout: cfg.Upstream.Breaker.ResetTimeout,
	})
	source := &meteredSource{
		inner:   token.NewGuarded(minter, breaker),
		metrics: observe.DefaultMetrics(),
	}

	// ── Routes ────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("POST /api/token", token.NewHandler(source))
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{
		{Name: "upstream", Check: func(_ context.Context) error {
			if breaker.State() == resilience.StateOpen {
				return errors.New("mint circuit open")
			}
			return nil
		}},
	}

	if dsn := cfg.Usage.PostgresDSN; dsn != "" {
		ledger, err := usage.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("connect usage ledger", "err", err)
			return 1
		}
		defer ledger.Close()
		mux.Handle("GET /api/usage", usage.NewHandler(ledger))
		checkers = append(checkers, health.Checker{Name: "database", Check: ledger.Ping})
		slog.Info("usage ledger connected")
	} else {
		slog.Warn("usage ledger disabled: no postgres_dsn configured")
	}

	health.New(checkers...).Register(mux)
	handler := observe.Middleware(observe.DefaultMetrics())(mux)

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	slog.Info("server ready")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// meteredSource records duration and outcome for each upstream mint.
type meteredSource struct {
	inner   token.Source
	metrics *observe.Metrics
}

func (s *meteredSource) Mint(ctx context.Context, req token.Request) (token.Credential, error) {
	began := time.Now()
	cred, err := s.inner.Mint(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordMint(ctx, status, time.Since(began).Seconds())
	return cred, err
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
