// Command parley runs one spoken-practice conversation from the terminal:
// it negotiates a session with the broker, streams the microphone to the
// realtime service, and plays the assistant's voice back.
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

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/governor"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/negotiate"
	"github.com/MrWong99/parley/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	title := flag.String("topic", "", "conversation topic title (empty for free conversation)")
	description := flag.String("description", "", "optional topic description")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The terminal belongs to the transcript, so logs go to stderr.
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	var topic *negotiate.Topic
	if *title != "" {
		topic = &negotiate.Topic{Title: *title, Description: *description}
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	display := newTerminalDisplay(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	application, err := app.New(ctx, cfg,
		app.WithDisplay(display),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	display.Banner(topic)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Observe.MetricsAddr != "" {
		srv := observeServer(cfg.Observe.MetricsAddr, application.HealthChecks())
		g.Go(func() error {
			slog.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	var runErr error
	g.Go(func() error {
		runErr = application.Run(gctx, topic)
		// Ending the conversation ends the program, metrics server included.
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("metrics server", "err", err)
	}

	// ── Shutdown ──────────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	switch {
	case errors.Is(runErr, governor.ErrQuotaExhausted):
		// The learner has already been told their time is up.
		slog.Info("conversation ended at the usage limit")
		return 0
	case runErr != nil:
		display.Failure(runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// observeServer exposes /metrics and the health checks on a side port.
func observeServer(addr string, checks []health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())
	health.New(checks...).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
