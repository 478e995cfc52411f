// Package reaper provides adapters for running the job reaper.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
	"github.com/lifebook/orchestrator/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the sweep loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Store  core.JobRecordStore
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional
	Publisher    core.MessagePublisher
	RunLog       core.RunLogSink
	TimeProvider core.TimeProvider
	Metrics      statsd.Sink
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

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Store == nil {
		return errors.New("job record store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	store, err := service.NewJobStore(service.JobStoreOptions{
		Store:        opts.Store,
		TimeProvider: opts.TimeProvider,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Store:     store,
		Config:    opts.Config,
		Publisher: opts.Publisher,
		RunLog:    opts.RunLog,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single sweep.
func (r *Runner) RunOnce(ctx context.Context) (service.SweepReport, error) {
	return r.reaper.Sweep(ctx)
}
