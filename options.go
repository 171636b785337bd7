package tsugi

import (
	"fmt"
	"log/slog"

	"github.com/ashita-ai/tsugi/internal/budget"
	"github.com/ashita-ai/tsugi/internal/config"
	"github.com/ashita-ai/tsugi/internal/service/lifecycle"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides applied on top of the environment config.
type resolvedOptions struct {
	databaseURL string
	logger      *slog.Logger
	version     string
	callbacks   lifecycle.Callbacks
	budget      *budget.Config
	reportDir   *string
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCallbacks registers lifecycle notifications. Only the last call wins.
func WithCallbacks(cb Callbacks) Option {
	return func(o *resolvedOptions) { o.callbacks = cb }
}

// WithBudget overrides the default per-instance budget from config.
func WithBudget(cfg BudgetConfig) Option {
	return func(o *resolvedOptions) { o.budget = &cfg }
}

// WithReportDir sets the directory that receives a rendered report for every
// handoff. An empty dir disables reports even when TSUGI_REPORT_DIR is set.
func WithReportDir(dir string) Option {
	return func(o *resolvedOptions) { o.reportDir = &dir }
}

// apply overlays the options on cfg and revalidates it.
func (o resolvedOptions) apply(cfg *config.Config) error {
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.budget != nil {
		cfg.BudgetLimit = o.budget.Limit
		cfg.WarningThreshold = o.budget.WarningThreshold
		cfg.CriticalThreshold = o.budget.CriticalThreshold
	}
	if o.reportDir != nil {
		cfg.ReportDir = *o.reportDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
