// Package reaper provides adapters for running the retention reaper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/data"
	"github.com/target/inferbatch/internal/observability/metrics"
	"github.com/target/inferbatch/internal/observability/statsd"
	"github.com/target/inferbatch/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB        *sql.DB
	Config    config.ReaperConfig
	Scheduler *service.SchedulerService
	Exporter  core.ResultExporter
	Logger    *slog.Logger

	// Optional dependency injection for testing/decoupling
	Repo     core.RetentionRepository
	Jobs     service.OutputRefWriter
	Metrics  statsd.Sink
	Recorder *metrics.Recorder
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil {
		if opts.Repo == nil {
			return errors.New("database connection is required")
		}
		if opts.Exporter != nil && opts.Jobs == nil {
			return errors.New("database connection is required to record export refs")
		}
	}
	if opts.Scheduler == nil {
		return errors.New("scheduler service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireReaperService wires up all dependencies for the reaper service.
func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repo := opts.Repo
	if repo == nil {
		repo = data.NewRetentionRepo(opts.DB, data.RepoConfig{})
	}
	var jobs service.OutputRefWriter
	if opts.Exporter != nil {
		jobs = opts.Jobs
		if jobs == nil {
			jobs = data.NewBatchJobRepo(opts.DB, data.RepoConfig{})
		}
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Repo:      repo,
		Scheduler: opts.Scheduler,
		Exporter:  opts.Exporter,
		Jobs:      jobs,
		Config:    opts.Config,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Recorder:  opts.Recorder,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}
