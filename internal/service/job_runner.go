package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/lifebook/orchestrator/internal/core"
	domainjob "github.com/lifebook/orchestrator/internal/domain/job"
	"github.com/lifebook/orchestrator/internal/domain/model"
	"github.com/lifebook/orchestrator/internal/observability/metrics"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
)

// Outcome summarises what one RunJob invocation did.
type Outcome string

const (
	// OutcomeCompleted means this invocation ran the handler and recorded succeeded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means this invocation ran the handler and recorded failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeNoopTerminal means the job was already terminal; nothing was written.
	OutcomeNoopTerminal Outcome = "noop-terminal"
	// OutcomeConcurrentClaim means another worker claimed the job first.
	OutcomeConcurrentClaim Outcome = "concurrent-claim"
	// OutcomeAlreadyCompleted means another worker finished the job first.
	OutcomeAlreadyCompleted Outcome = "already-completed"
	// OutcomeSkippedActive means the job is running and was updated inside the resume window.
	OutcomeSkippedActive Outcome = "skipped-active"
	// OutcomeInterrupted means the worker shut down mid-handler; the job stays running
	// so a redelivery resumes it.
	OutcomeInterrupted Outcome = "interrupted"
)

const finalizeTimeout = 30 * time.Second

// JobRunnerOptions groups dependencies for JobRunner.
type JobRunnerOptions struct {
	Store        *JobStore         // Required: job store adapter
	RunLog       core.RunLogSink   // Optional: run log destination
	TimeProvider core.TimeProvider // Optional: defaults to RealTimeProvider
	Logger       *slog.Logger      // Optional: structured logger
	Metrics      statsd.Sink       // Optional: metrics sink (StatsD-compatible)

	// HandlerTimeout bounds each handler call; zero means no limit.
	HandlerTimeout time.Duration
	// ResumeAfter, when positive, skips running jobs updated more recently than this window.
	// Zero resumes every running job.
	ResumeAfter time.Duration
}

// JobRunner drives one job through its lifecycle, tolerating duplicate and late delivery.
type JobRunner struct {
	store          *JobStore
	runLog         *RunLogRecorder
	clock          core.TimeProvider
	logger         *slog.Logger
	metrics        statsd.Sink
	handlerTimeout time.Duration
	resumeAfter    time.Duration
}

// NewJobRunner constructs a new JobRunner.
func NewJobRunner(opts JobRunnerOptions) (*JobRunner, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.HandlerTimeout < 0 || opts.ResumeAfter < 0 {
		return nil, errors.New("handler timeout and resume window must not be negative")
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	logger := resolveLogger(opts.Logger)
	return &JobRunner{
		store:          opts.Store,
		runLog:         NewRunLogRecorder(opts.RunLog, clock, logger),
		clock:          clock,
		logger:         logger.With("component", "job_runner"),
		metrics:        opts.Metrics,
		handlerTimeout: opts.HandlerTimeout,
		resumeAfter:    opts.ResumeAfter,
	}, nil
}

// MustNewJobRunner constructs a new JobRunner and panics on error.
func MustNewJobRunner(opts JobRunnerOptions) *JobRunner {
	r, err := NewJobRunner(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobRunner: %v", err))
	}
	return r
}

// RunJob executes handler for jobID at most once per running episode.
//
// Benign outcomes (terminal redelivery, lost claim, already completed) return a nil
// error. A handler failure is recorded as failed and the handler's error is returned
// so the transport can retry or dead-letter the message. When ctx is cancelled and
// the handler gives up because of it, nothing is finalized and ctx's error is
// returned so the message is not acknowledged.
func (r *JobRunner) RunJob(ctx context.Context, jobID string, handler core.JobHandler) (Outcome, error) {
	if handler == nil {
		return "", errors.New("job handler is required")
	}

	rec, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}
	if rec == nil {
		return "", fmt.Errorf("run job %s: %w", jobID, core.ErrJobNotFound)
	}

	if domainjob.IsTerminal(rec.Status) {
		r.logger.DebugContext(ctx, "job already terminal, ignoring delivery", "job_id", jobID, "status", rec.Status)
		r.emit(rec, "redelivery", metrics.ResultNoop, 0, nil)
		return OutcomeNoopTerminal, nil
	}

	r.runLog.Transition(ctx, jobID, model.RunLogStepStart,
		fmt.Sprintf("Job started (status %s, attempt %d)", rec.Status, rec.Attempt), rec.Status, "")

	rec, outcome, err := r.acquire(ctx, rec)
	if rec == nil {
		return outcome, err
	}

	start := time.Now()
	if herr := r.invoke(ctx, handler, rec); herr != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(herr, cerr) {
			return r.interrupted(ctx, rec, herr, time.Since(start))
		}
		return r.finishFailed(ctx, rec, herr, time.Since(start))
	}
	return r.finishSucceeded(ctx, rec, time.Since(start))
}

// acquire moves a queued job to running or adopts an already running one.
// A nil record means the caller must stop with the returned outcome and error.
func (r *JobRunner) acquire(ctx context.Context, rec *model.JobRecord) (*model.JobRecord, Outcome, error) {
	switch rec.Status {
	case model.JobStatusQueued:
		res, err := r.store.UpdateJobStatus(ctx, UpdateStatusParams{
			JobID:          rec.JobID,
			ExpectedStatus: model.JobStatusQueued,
			NextStatus:     model.JobStatusRunning,
		})
		if err != nil {
			r.emit(rec, "claim", metrics.ResultError, 0, err)
			return nil, "", err
		}
		switch res.Kind {
		case domainjob.TransitionApplied:
			r.runLog.Transition(ctx, rec.JobID, model.RunLogStepClaim,
				fmt.Sprintf("Claimed job (attempt %d)", res.Record.Attempt),
				model.JobStatusQueued, model.JobStatusRunning)
			r.emit(res.Record, "claim", metrics.ResultSuccess, 0, nil)
			return res.Record, "", nil
		case domainjob.TransitionRecovered:
			r.logger.InfoContext(ctx, "claim lost to another worker",
				"job_id", rec.JobID,
				"found", res.Failure.Found,
				"classification", res.Classification(),
			)
			r.runLog.Transition(ctx, rec.JobID, model.RunLogStepClaim,
				fmt.Sprintf("Claim skipped: %s", res.Classification()),
				model.JobStatusQueued, res.Failure.Found)
			r.emit(rec, "claim", metrics.ResultNoop, 0, nil)
			return nil, outcomeFor(res.Classification()), nil
		default:
			return nil, "", r.anomaly(ctx, rec, "claim", res)
		}

	case model.JobStatusRunning:
		if r.resumeAfter > 0 {
			if age := r.clock.Now().Sub(rec.UpdatedAt); age < r.resumeAfter {
				r.logger.InfoContext(ctx, "running job updated recently, leaving it to its owner",
					"job_id", rec.JobID, "age", age, "resume_after", r.resumeAfter)
				r.runLog.Transition(ctx, rec.JobID, model.RunLogStepResume,
					fmt.Sprintf("Resume skipped: job updated %s ago", age.Round(time.Millisecond)),
					model.JobStatusRunning, model.JobStatusRunning)
				r.emit(rec, "resume", metrics.ResultNoop, 0, nil)
				return nil, OutcomeSkippedActive, nil
			}
		}
		r.runLog.Transition(ctx, rec.JobID, model.RunLogStepResume,
			fmt.Sprintf("Resuming running job (attempt %d)", rec.Attempt),
			model.JobStatusRunning, model.JobStatusRunning)
		r.emit(rec, "resume", metrics.ResultSuccess, 0, nil)
		return rec, "", nil

	default:
		return nil, "", fmt.Errorf("run job %s: unexpected status %q", rec.JobID, rec.Status)
	}
}

// invoke runs handler with the configured timeout and converts panics into errors.
func (r *JobRunner) invoke(ctx context.Context, handler core.JobHandler, rec *model.JobRecord) (err error) {
	hctx := ctx
	if r.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "job handler panicked",
				"job_id", rec.JobID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	err = handler(hctx, rec.Clone())
	if err != nil && r.handlerTimeout > 0 && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler timed out after %s: %w", r.handlerTimeout, err)
	}
	return err
}

func (r *JobRunner) finishSucceeded(ctx context.Context, rec *model.JobRecord, elapsed time.Duration) (Outcome, error) {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	res, err := r.store.UpdateJobStatus(fctx, UpdateStatusParams{
		JobID:          rec.JobID,
		ExpectedStatus: model.JobStatusRunning,
		NextStatus:     model.JobStatusSucceeded,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", rec.JobID, "error", err)
		r.emit(rec, "complete", metrics.ResultError, elapsed, err)
		return "", err
	}

	switch res.Kind {
	case domainjob.TransitionApplied:
		r.runLog.Transition(fctx, rec.JobID, model.RunLogStepComplete, "Job completed",
			model.JobStatusRunning, model.JobStatusSucceeded)
		r.emit(rec, "complete", metrics.ResultSuccess, elapsed, nil)
		return OutcomeCompleted, nil
	case domainjob.TransitionRecovered:
		r.runLog.Transition(fctx, rec.JobID, model.RunLogStepComplete,
			fmt.Sprintf("Completion skipped: %s", res.Classification()),
			model.JobStatusRunning, res.Failure.Found)
		r.emit(rec, "complete", metrics.ResultNoop, elapsed, nil)
		return outcomeFor(res.Classification()), nil
	default:
		return "", r.anomaly(fctx, rec, "complete", res)
	}
}

func (r *JobRunner) finishFailed(
	ctx context.Context,
	rec *model.JobRecord,
	handlerErr error,
	elapsed time.Duration,
) (Outcome, error) {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	res, err := r.store.UpdateJobStatus(fctx, UpdateStatusParams{
		JobID:          rec.JobID,
		ExpectedStatus: model.JobStatusRunning,
		NextStatus:     model.JobStatusFailed,
		ErrorDetails: &model.ErrorDetails{
			Code:    model.ErrorCodeWorker,
			Message: handlerErr.Error(),
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", rec.JobID, "error", err, "original_error", handlerErr)
		r.emit(rec, "fail", metrics.ResultError, elapsed, err)
		return OutcomeFailed, errors.Join(handlerErr, err)
	}

	switch res.Kind {
	case domainjob.TransitionApplied:
		r.logger.WarnContext(ctx, "job handler failed", "job_id", rec.JobID, "error", handlerErr)
		r.runLog.Transition(fctx, rec.JobID, model.RunLogStepFail,
			fmt.Sprintf("Job failed: %s", res.Record.ErrorMessage),
			model.JobStatusRunning, model.JobStatusFailed)
		r.emit(rec, "fail", metrics.ResultError, elapsed, handlerErr)
		return OutcomeFailed, handlerErr
	case domainjob.TransitionRecovered:
		r.runLog.Transition(fctx, rec.JobID, model.RunLogStepFail,
			fmt.Sprintf("Failure not recorded: %s", res.Classification()),
			model.JobStatusRunning, res.Failure.Found)
		r.emit(rec, "fail", metrics.ResultNoop, elapsed, nil)
		return OutcomeFailed, handlerErr
	default:
		return OutcomeFailed, errors.Join(handlerErr, r.anomaly(fctx, rec, "fail", res))
	}
}

// interrupted leaves rec running for redelivery after the worker context ended.
func (r *JobRunner) interrupted(
	ctx context.Context,
	rec *model.JobRecord,
	handlerErr error,
	elapsed time.Duration,
) (Outcome, error) {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	r.logger.WarnContext(fctx, "job interrupted by shutdown, leaving it running",
		"job_id", rec.JobID, "elapsed", elapsed, "error", handlerErr)
	r.runLog.Transition(fctx, rec.JobID, model.RunLogStepResume,
		"Handler interrupted by worker shutdown; job left running for redelivery",
		model.JobStatusRunning, model.JobStatusRunning)
	r.emit(rec, "interrupt", metrics.ResultNoop, elapsed, nil)
	return OutcomeInterrupted, fmt.Errorf("run job %s: %w", rec.JobID, ctx.Err())
}

// anomaly logs and records a precondition failure that is not a benign race.
func (r *JobRunner) anomaly(ctx context.Context, rec *model.JobRecord, phase string, res domainjob.TransitionResult) error {
	err := res.Err()
	r.logger.ErrorContext(ctx, "job status anomaly",
		"job_id", rec.JobID,
		"phase", phase,
		"expected", res.Failure.Expected,
		"found", res.Failure.Found,
		"classification", res.Classification(),
	)
	r.runLog.Transition(ctx, rec.JobID, model.RunLogStepAnomaly,
		fmt.Sprintf("%s rejected: %s", phase, res.Classification()),
		res.Failure.Expected, res.Failure.Found)
	r.emit(rec, phase, metrics.ResultError, 0, err)
	return err
}

func (r *JobRunner) emit(rec *model.JobRecord, transition, result string, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	workflow := ""
	if p, perr := model.DecodeJobPayload(rec.Payload); perr == nil {
		workflow = p.WorkflowSlug
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Workflow:   workflow,
		Transition: transition,
		Result:     result,
		Duration:   elapsed,
		Err:        err,
	})
}

// finalizeContext keeps terminal writes alive through shutdown of the parent context.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func outcomeFor(c domainjob.Classification) Outcome {
	if c == domainjob.ClassConcurrentClaim {
		return OutcomeConcurrentClaim
	}
	return OutcomeAlreadyCompleted
}
