// Package tsugi is the public API for embedding the agent lifecycle and
// continuity service.
//
// Callers construct an App, which owns the Postgres-backed continuation and
// workflow stores and a single Lifecycle Manager:
//
//	app, err := tsugi.New(
//	    tsugi.WithVersion(version),
//	    tsugi.WithLogger(logger),
//	    tsugi.WithCallbacks(tsugi.Callbacks{OnCritical: notify}),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//
//	info, err := app.Lifecycle().Spawn(ctx, tsugi.SpawnRequest{AgentType: "planner"})
//
// The import graph is one-way: tsugi (root) imports internal/*, never the
// reverse. Public names are aliases declared in types.go.
package tsugi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tsugi/internal/config"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/service/lifecycle"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
	"github.com/ashita-ai/tsugi/migrations"
)

// purgeTimeout bounds a single retention pass.
const purgeTimeout = 30 * time.Second

// App is the tsugi service. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	manager      *lifecycle.Manager
	otelShutdown telemetry.Shutdown
	resumes      singleflight.Group
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to Postgres, applies the embedded
// migrations and builds the Lifecycle Manager. It starts no goroutines.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := o.apply(&cfg); err != nil {
		return nil, err
	}

	logger.Info("tsugi starting", "version", version,
		"budget_limit", cfg.BudgetLimit, "report_dir", cfg.ReportDir)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	manager := lifecycle.New(db, db, lifecycle.Config{
		Budget:          cfg.Budget(),
		MonitorInterval: cfg.MonitorInterval,
		StaleAfter:      cfg.StaleAfter,
		ReportDir:       cfg.ReportDir,
	}, o.callbacks, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		manager:      manager,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Lifecycle returns the App's Lifecycle Manager.
func (a *App) Lifecycle() *lifecycle.Manager { return a.manager }

// Store returns the continuation and workflow store.
func (a *App) Store() *storage.DB { return a.db }

// Run starts the staleness monitor and the workflow retention loop, then
// blocks until ctx is cancelled. On return the App has been shut down;
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.manager.StartMonitor(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.purgeLoop(gctx)
		return nil
	})
	err := g.Wait()

	if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

// Shutdown stops the monitor, waits for in-flight callbacks, then closes
// the database pool and flushes telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsugi shutting down", "live_instances", a.manager.Statistics().Live)

	a.manager.Close()
	err := a.otelShutdown(ctx)
	a.db.Close()

	a.logger.Info("tsugi stopped")
	return err
}

// Resume spawns an instance that continues from the most recent active
// continuation document for the request's session and agent type. When no
// such document exists the instance starts fresh. Concurrent calls for the
// same session and type share one store lookup.
func (a *App) Resume(ctx context.Context, req lifecycle.SpawnRequest) (lifecycle.Info, error) {
	filter := storage.HandoffFilter{SessionID: req.SessionID, AgentType: req.AgentType, ProjectID: req.ProjectID}
	key := filter.SessionID + "\x00" + filter.AgentType + "\x00" + filter.ProjectID

	v, err, _ := a.resumes.Do(key, func() (any, error) {
		h, err := a.db.LatestHandoff(ctx, filter)
		if errors.Is(err, storage.ErrNotFound) {
			return (*model.Handoff)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		if !h.Active {
			return (*model.Handoff)(nil), nil
		}
		return &h, nil
	})
	if err != nil {
		return lifecycle.Info{}, fmt.Errorf("tsugi: resume: %w", err)
	}

	if p := v.(*model.Handoff); p != nil {
		h := *p
		req.Predecessor = &h
		a.logger.Info("resuming from continuation",
			"handoff_id", h.ID, "trace_id", h.TraceID, "session_id", h.SessionID)
	}
	return a.manager.Spawn(ctx, req)
}

func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeStaleWorkflows(ctx)
		}
	}
}

func (a *App) purgeStaleWorkflows(ctx context.Context) {
	if a.cfg.WorkflowMaxAge <= 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	deleted, err := a.db.PurgeStaleWorkflowStates(opCtx, a.cfg.WorkflowMaxAge)
	if err != nil {
		a.logger.Warn("workflow purge failed", "error", err)
		return
	}
	if deleted > 0 {
		a.logger.Info("workflow purge deleted stale sessions", "deleted", deleted)
	}
}
