package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifebook/orchestrator/internal/core"
	domainjob "github.com/lifebook/orchestrator/internal/domain/job"
	"github.com/lifebook/orchestrator/internal/domain/model"
	apperrors "github.com/lifebook/orchestrator/internal/errors"
)

// JobStoreOptions groups dependencies for JobStore.
type JobStoreOptions struct {
	Store        core.JobRecordStore // Required: durable record store
	TimeProvider core.TimeProvider   // Optional: defaults to RealTimeProvider
	Logger       *slog.Logger        // Optional: structured logger
}

// JobStore bridges the status state machine to a JobRecordStore.
//
// Every status change goes through UpdateJobStatus, which checks the caller's
// expected status before writing and relies on the store's compare-and-set to
// catch writers that land between its read and its write. Both kinds of loss are
// reported with the same PreconditionError classification.
type JobStore struct {
	store  core.JobRecordStore
	clock  core.TimeProvider
	logger *slog.Logger
}

// NewJobStore constructs a new JobStore.
func NewJobStore(opts JobStoreOptions) (*JobStore, error) {
	if opts.Store == nil {
		return nil, errors.New("JobRecordStore is required")
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	return &JobStore{
		store:  opts.Store,
		clock:  clock,
		logger: resolveLogger(opts.Logger).With("component", "job_store"),
	}, nil
}

// MustNewJobStore constructs a new JobStore and panics on error.
func MustNewJobStore(opts JobStoreOptions) *JobStore {
	s, err := NewJobStore(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobStore: %v", err))
	}
	return s
}

// GetJob loads a job. A nil record with a nil error means the job does not exist.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*model.JobRecord, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

// PutNewJob inserts a brand-new record, failing with ErrJobAlreadyExists when the id is taken.
func (s *JobStore) PutNewJob(ctx context.Context, rec *model.JobRecord) error {
	if rec == nil {
		return apperrors.Validation("job record is required")
	}
	if !rec.Status.Valid() {
		return apperrors.ValidationField("status", fmt.Sprintf("invalid job status %q", rec.Status))
	}
	if rec.Attempt < 0 {
		return apperrors.ValidationField("attempt", "attempt must not be negative")
	}
	if err := s.store.PutIfAbsent(ctx, rec); err != nil {
		return fmt.Errorf("put job %s: %w", rec.JobID, err)
	}
	return nil
}

// UpdateStatusParams describes one status change requested through UpdateJobStatus.
type UpdateStatusParams struct {
	JobID string
	// ExpectedStatus, when set, must equal the persisted status or the update is rejected before any write.
	ExpectedStatus model.JobStatus
	NextStatus     model.JobStatus
	// ErrorDetails is recorded when NextStatus is failed. The message is truncated.
	ErrorDetails *model.ErrorDetails
	// CancelReason is recorded when NextStatus is cancelled.
	CancelReason string
}

// UpdateJobStatus moves a job to params.NextStatus.
//
// The returned error is reserved for failures the caller cannot treat as a race:
// a missing job (ErrJobNotFound), an illegal transition (ErrIllegalTransition) or
// storage errors (ErrStorageUnavailable). Lost preconditions come back as a
// Recovered or Anomaly TransitionResult with a nil error.
func (s *JobStore) UpdateJobStatus(ctx context.Context, params UpdateStatusParams) (domainjob.TransitionResult, error) {
	cur, err := s.store.Get(ctx, params.JobID)
	if err != nil {
		return domainjob.TransitionResult{}, fmt.Errorf("update job %s: %w", params.JobID, err)
	}

	if params.ExpectedStatus != "" && cur.Status != params.ExpectedStatus {
		failure := domainjob.NewPreconditionError(params.JobID, params.ExpectedStatus, cur.Status)
		s.logger.DebugContext(ctx, "status precondition rejected before write",
			"job_id", params.JobID,
			"expected", params.ExpectedStatus,
			"found", cur.Status,
			"classification", failure.Classification,
		)
		return domainjob.Rejected(failure), nil
	}

	next, err := domainjob.ApplyStatusTransition(*cur, params.NextStatus, s.clock.Now())
	if err != nil {
		return domainjob.TransitionResult{}, fmt.Errorf("update job %s: %w", params.JobID, err)
	}
	switch params.NextStatus {
	case model.JobStatusFailed:
		if params.ErrorDetails != nil {
			next.ErrorCode = params.ErrorDetails.Code
			next.ErrorMessage = model.TruncateErrorMessage(params.ErrorDetails.Message)
		}
	case model.JobStatusCancelled:
		next.CancelledReason = params.CancelReason
	}

	err = s.store.UpdateIfStatusEquals(ctx, cur.Status, &next)
	if err == nil {
		return domainjob.Applied(&next), nil
	}
	if !errors.Is(err, core.ErrConditionFailed) {
		return domainjob.TransitionResult{}, fmt.Errorf("update job %s: %w", params.JobID, err)
	}

	found, err := s.currentStatus(ctx, params.JobID)
	if err != nil {
		return domainjob.TransitionResult{}, fmt.Errorf("update job %s: re-read after lost write: %w", params.JobID, err)
	}
	expected := params.ExpectedStatus
	if expected == "" {
		expected = cur.Status
	}
	failure := domainjob.NewPreconditionError(params.JobID, expected, found)
	s.logger.DebugContext(ctx, "conditional write lost",
		"job_id", params.JobID,
		"expected", expected,
		"found", found,
		"classification", failure.Classification,
	)
	return domainjob.Rejected(failure), nil
}

// TouchQueued moves updatedAt to now on a job that is still queued, so stale-queue
// scans skip it for another window. It reports false when the job is missing or has
// left queued.
func (s *JobStore) TouchQueued(ctx context.Context, jobID string) (bool, error) {
	cur, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("touch job %s: %w", jobID, err)
	}
	if cur.Status != model.JobStatusQueued {
		return false, nil
	}
	cur.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateIfStatusEquals(ctx, model.JobStatusQueued, cur); err != nil {
		if errors.Is(err, core.ErrConditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("touch job %s: %w", jobID, err)
	}
	return true, nil
}

// currentStatus returns the persisted status, or "" when the record has disappeared.
func (s *JobStore) currentStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return "", nil
		}
		return "", err
	}
	return rec.Status, nil
}

// ListStale returns up to limit jobs in status whose last update is older than olderThan.
func (s *JobStore) ListStale(
	ctx context.Context,
	status model.JobStatus,
	olderThan time.Duration,
	limit int,
) ([]*model.JobRecord, error) {
	recs, err := s.store.ListByStatus(ctx, core.ListByStatusParams{
		Status:        status,
		UpdatedBefore: s.clock.Now().Add(-olderThan),
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list stale %s jobs: %w", status, err)
	}
	return recs, nil
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
