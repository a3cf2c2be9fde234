// Command verbly-coach runs a headless tutoring session against a live
// dialogue service: it mints a credential through the provisioning server,
// opens the realtime connection, streams synthetic microphone audio, prints
// the model's transcript, and reports the session's usage on exit.
//
// Intended for exercising the full session stack end to end without a
// browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verbly-ai/verbly/internal/app"
	"github.com/verbly-ai/verbly/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	duration := flag.Duration("duration", 0, "end the session after this long (0 = run until Ctrl+C)")
	say := flag.String("say", "", "send this text message once the session is connected")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verbly-coach: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verbly-coach: %v\n", err)
		}
		return 1
	}
	if cfg.Session.ProvisionerURL == "" {
		fmt.Fprintln(os.Stderr, "verbly-coach: session.provisioner_url must be configured")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("verbly-coach starting",
		"provisioner", cfg.Session.ProvisionerURL,
		"subject_id", cfg.Session.SubjectID,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// ── Session ───────────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithTranscript(func(text string) {
			fmt.Printf("tutor: %s\n", text)
		}),
	)
	if err != nil {
		slog.Error("initialise session", "err", err)
		return 1
	}

	if err := application.Start(ctx); err != nil {
		slog.Error("start session", "err", err)
		return 1
	}

	if *say != "" {
		if err := application.SendText(*say); err != nil {
			slog.Warn("send text", "err", err)
		}
	}

	slog.Info("session running, press Ctrl+C to end")
	<-ctx.Done()

	// ── Teardown ──────────────────────────────────────────────────────────────
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := application.Stop(stopCtx)
	if err != nil {
		slog.Warn("stop session", "err", err)
	}

	fmt.Printf("session summary: duration=%s input_units=%d output_units=%d cost_usd=$%.4f\n",
		rec.Duration.Round(time.Second), rec.InputUnits, rec.OutputUnits, rec.CostUSD)
	return 0
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
