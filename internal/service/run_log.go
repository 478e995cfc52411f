package service

import (
	"context"
	"log/slog"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

// RunLogRecorder writes run log entries on a best-effort basis.
// Sink failures are logged and never returned.
type RunLogRecorder struct {
	sink   core.RunLogSink
	clock  core.TimeProvider
	logger *slog.Logger
}

// NewRunLogRecorder wraps sink. A nil sink records nothing.
func NewRunLogRecorder(sink core.RunLogSink, clock core.TimeProvider, logger *slog.Logger) *RunLogRecorder {
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	return &RunLogRecorder{
		sink:   sink,
		clock:  clock,
		logger: resolveLogger(logger).With("component", "run_log"),
	}
}

// Record appends entry, stamping CreatedAt when it is zero.
func (r *RunLogRecorder) Record(ctx context.Context, entry model.RunLogEntry) {
	if r == nil || r.sink == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock.Now()
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "run log append failed",
			"job_id", entry.JobID,
			"step", entry.Step,
			"error", err,
		)
	}
}

// Transition records a step that moved (or tried to move) a job between statuses.
func (r *RunLogRecorder) Transition(ctx context.Context, jobID, step, message string, before, after model.JobStatus) {
	r.Record(ctx, model.RunLogEntry{
		JobID:        jobID,
		Step:         step,
		Message:      message,
		StatusBefore: before,
		StatusAfter:  after,
	})
}
