// Command mnemosd runs the mnemos memory-store core: it owns the store
// file, serializes writes, and fans committed events out to subscribers.
// Transports (MCP adapters, the dashboard API) attach as collaborators.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnemos-labs/mnemos/pkg/config"
	"github.com/mnemos-labs/mnemos/pkg/observability"
	"github.com/mnemos-labs/mnemos/pkg/router"
	"github.com/mnemos-labs/mnemos/pkg/store"
	"github.com/mnemos-labs/mnemos/pkg/subscription"
	"github.com/mnemos-labs/mnemos/pkg/webhook"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "serve":
		return runServe(stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "mnemosd", version)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\nusage: mnemosd [serve|health|version]\n", cmd)
		return 2
	}
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "mnemos",
		ServiceVersion: version,
		Environment:    "local",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	managers := store.NewManagers()
	mgr, err := managers.Get(store.Options{
		Path:          cfg.StorePath(),
		ReadPoolSize:  cfg.ReadPoolSize,
		WriteQueueLen: cfg.WriteQueueLen,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("open store failed", "error", err)
		return 1
	}

	if _, err := store.NewMemoryStore(ctx, mgr); err != nil {
		logger.Error("memory store init failed", "error", err)
		return 1
	}
	eventLog, err := store.NewEventLog(ctx, mgr)
	if err != nil {
		logger.Error("event log init failed", "error", err)
		return 1
	}
	registry, err := subscription.NewRegistry(ctx, mgr, logger)
	if err != nil {
		logger.Error("subscription registry init failed", "error", err)
		return 1
	}

	dispatcher := webhook.New(webhook.Options{
		QueueSize:   cfg.Webhook.QueueSize,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff(),
		Timeout:     cfg.WebhookTimeout(),
		RateLimit:   rate.Limit(cfg.Webhook.RatePerSec),
		Burst:       cfg.Webhook.Burst,
		Version:     version,
		Logger:      logger,
		Metrics:     provider.Metrics(),
		OnDelivered: func(subscriberID string, eventID int64) {
			if err := registry.AdvanceCursor(context.Background(), subscriberID, eventID); err != nil {
				logger.Warn("cursor advance failed", "subscriber", subscriberID, "error", err)
			}
		},
	})

	rt, err := router.New(ctx, router.Options{
		Registry:     registry,
		Log:          eventLog,
		Dispatcher:   dispatcher,
		StreamBuffer: cfg.StreamBuffer,
		Logger:       logger,
		Metrics:      provider.Metrics(),
	})
	if err != nil {
		logger.Error("router init failed", "error", err)
		return 1
	}
	rt.Attach(mgr)

	logger.Info("mnemosd ready", "store", cfg.StorePath(), "version", version)
	<-ctx.Done()
	logger.Info("shutting down")

	// Stop producing, then drain delivery, then flush telemetry.
	code := 0
	if err := managers.CloseAll(); err != nil {
		logger.Error("store close failed", "error", err)
		code = 1
	}
	if err := dispatcher.Close(); err != nil {
		logger.Warn("dispatcher close", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return code
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	mgr, err := store.Open(store.Options{Path: cfg.StorePath(), ReadPoolSize: 1})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "unhealthy: %v\n", err)
		return 1
	}
	defer func() { _ = mgr.Close() }()
	_, _ = fmt.Fprintf(stdout, "ok: %s\n", cfg.StorePath())
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
