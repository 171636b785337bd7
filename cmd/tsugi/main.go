package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/tsugi"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("TSUGI_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := tsugi.New(
		tsugi.WithVersion(version),
		tsugi.WithLogger(logger),
		tsugi.WithCallbacks(logCallbacks(logger)),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return app.Run(ctx)
}

// logCallbacks surfaces lifecycle transitions in the daemon log. Embedders
// wire their own notifications through tsugi.WithCallbacks.
func logCallbacks(logger *slog.Logger) tsugi.Callbacks {
	return tsugi.Callbacks{
		OnCritical: func(info tsugi.Info) {
			logger.Warn("instance budget critical; handoff required",
				"instance_id", info.ID, "usage_percent", info.Budget.UsagePercent)
		},
		OnHandoff: func(info tsugi.Info, h tsugi.Handoff) {
			logger.Info("handoff ready", "instance_id", info.ID,
				"handoff_id", h.ID, "target", h.Target.AgentID)
		},
		OnStale: func(info tsugi.Info) {
			logger.Error("instance stuck", "instance_id", info.ID, "state", info.State)
		},
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
