package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/core"
	domainjob "github.com/lifebook/orchestrator/internal/domain/job"
	"github.com/lifebook/orchestrator/internal/domain/model"
	obserrors "github.com/lifebook/orchestrator/internal/observability/errors"
	"github.com/lifebook/orchestrator/internal/observability/metrics"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Store     *JobStore             // Required: job store adapter
	Config    config.ReaperConfig   // Required: reaper configuration
	Publisher core.MessagePublisher // Optional: republishes stale queued jobs when set
	RunLog    core.RunLogSink       // Optional: run log destination
	Logger    *slog.Logger          // Optional: structured logger
	Metrics   statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService repairs jobs that the worker fleet lost track of.
//
// This service manages:
// - Failing running jobs whose worker stopped updating them (TIMED_OUT).
// - Republishing queued jobs whose message was never delivered.
type ReaperService struct {
	store     *JobStore
	config    config.ReaperConfig
	publisher core.MessagePublisher
	runLog    *RunLogRecorder
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		return nil, errors.New("reaper batch size must be positive")
	}

	logger := resolveLogger(opts.Logger).With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"stale_running_after", opts.Config.StaleRunningAfter,
		"stale_queued_after", opts.Config.StaleQueuedAfter,
		"batch_size", opts.Config.BatchSize,
	)

	return &ReaperService{
		store:     opts.Store,
		config:    opts.Config,
		publisher: opts.Publisher,
		runLog:    NewRunLogRecorder(opts.RunLog, nil, opts.Logger),
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	TimedOut    int64
	Republished int64
}

// Sweep runs every reaper step once.
func (s *ReaperService) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var (
		report             SweepReport
		errs               []error
		allContextCanceled = true
		m                  sweepMetrics
	)

	steps := []sweepStep{
		{fn: s.failStaleRunningJobs, label: "fail stale running jobs", operation: "timeout_running",
			count: &report.TimedOut, metricErr: &m.TimedOutErr},
		{fn: s.republishStaleQueuedJobs, label: "republish stale queued jobs", operation: "republish_queued",
			count: &report.Republished, metricErr: &m.RepublishErr},
	}

	for _, step := range steps {
		count, err := step.fn(ctx)
		*step.count = count
		*step.metricErr = suppressContextCancellation(err)
		s.emitOperationMetric(step.operation, count, *step.metricErr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allContextCanceled = allContextCanceled && isContextCancellation(err)
		}
	}

	m.Total = report.TimedOut + report.Republished
	m.Elapsed = time.Since(start)
	s.emitSweepMetrics(m)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return report, context.Canceled
		}
		return report, fmt.Errorf("sweep failed: %w", joined)
	}
	return report, nil
}

type sweepFunc func(context.Context) (int64, error)

type sweepStep struct {
	fn        sweepFunc
	label     string
	operation string
	count     *int64
	metricErr *error
}

// failStaleRunningJobs marks running jobs that have not been updated within the
// configured window as failed. Loops in batches until a batch changes nothing.
func (s *ReaperService) failStaleRunningJobs(ctx context.Context) (int64, error) {
	if s.config.StaleRunningAfter <= 0 {
		return 0, nil
	}

	var total int64
	for {
		recs, err := s.store.ListStale(ctx, model.JobStatusRunning, s.config.StaleRunningAfter, s.config.BatchSize)
		if err != nil {
			return total, err
		}

		var applied int64
		for _, rec := range recs {
			ok, err := s.timeOut(ctx, rec)
			if err != nil {
				return total + applied, err
			}
			if ok {
				applied++
			}
		}
		total += applied

		if applied == 0 || len(recs) < s.config.BatchSize {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.InfoContext(ctx, "failed stale running jobs",
			"count", total,
			"max_age", s.config.StaleRunningAfter,
		)
	}
	return total, nil
}

func (s *ReaperService) timeOut(ctx context.Context, rec *model.JobRecord) (bool, error) {
	msg := fmt.Sprintf("job made no progress for %s", s.config.StaleRunningAfter)
	res, err := s.store.UpdateJobStatus(ctx, UpdateStatusParams{
		JobID:          rec.JobID,
		ExpectedStatus: model.JobStatusRunning,
		NextStatus:     model.JobStatusFailed,
		ErrorDetails:   &model.ErrorDetails{Code: model.ErrorCodeTimedOut, Message: msg},
	})
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if res.Kind != domainjob.TransitionApplied {
		// The worker finished or someone cancelled it between the listing and the write.
		s.logger.DebugContext(ctx, "stale running job moved before timeout",
			"job_id", rec.JobID, "classification", res.Classification())
		return false, nil
	}
	s.runLog.Transition(ctx, rec.JobID, model.RunLogStepTimeout, "Job timed out: "+msg,
		model.JobStatusRunning, model.JobStatusFailed)
	return true, nil
}

// republishStaleQueuedJobs publishes messages again for queued jobs that no worker has claimed.
// A single batch per sweep. Each job's updatedAt is bumped before its message goes out,
// so it is republished at most once per StaleQueuedAfter window.
func (s *ReaperService) republishStaleQueuedJobs(ctx context.Context) (int64, error) {
	if s.publisher == nil || s.config.StaleQueuedAfter <= 0 {
		return 0, nil
	}

	recs, err := s.store.ListStale(ctx, model.JobStatusQueued, s.config.StaleQueuedAfter, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, rec := range recs {
		touched, err := s.store.TouchQueued(ctx, rec.JobID)
		if err != nil {
			return count, err
		}
		if !touched {
			continue
		}
		msg := model.JobMessage{JobID: rec.JobID}
		if p, perr := model.DecodeJobPayload(rec.Payload); perr == nil {
			msg.WorkflowSlug = p.WorkflowSlug
		}
		if _, err := s.publisher.Publish(ctx, msg); err != nil {
			return count, fmt.Errorf("republish job %s: %w", rec.JobID, err)
		}
		count++
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "republished stale queued jobs",
			"count", count,
			"max_age", s.config.StaleQueuedAfter,
		)
	}
	return count, nil
}

type sweepMetrics struct {
	TimedOutErr  error
	RepublishErr error
	Total        int64
	Elapsed      time.Duration
}

func (s *ReaperService) emitSweepMetrics(m sweepMetrics) {
	if s.metrics == nil {
		return
	}

	firstErr := firstError(m.TimedOutErr, m.RepublishErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if m.Total == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.sweep", 1, tags)
	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.sweep_duration", m.Elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.sweep_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logSweepError(err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
