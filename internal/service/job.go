package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lifebook/orchestrator/internal/core"
	domainjob "github.com/lifebook/orchestrator/internal/domain/job"
	"github.com/lifebook/orchestrator/internal/domain/model"
	apperrors "github.com/lifebook/orchestrator/internal/errors"
)

// enqueueNamespace seeds deterministic job ids derived from client request ids.
var enqueueNamespace = uuid.MustParse("6f0c1d8e-3b52-4a59-9d55-8a4f0f5c2e71")

const (
	defaultTriggerType = "manual"
	maxCancelAttempts  = 3
)

// WorkflowCatalog reports which workflow slugs can be executed.
type WorkflowCatalog interface {
	Has(slug string) bool
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store        *JobStore             // Required: job store adapter
	Publisher    core.MessagePublisher // Optional: required by Enqueue
	RunLog       core.RunLogSink       // Optional: run log destination
	RunLogReader core.RunLogReader     // Optional: required by ListRunLogs
	Workflows    WorkflowCatalog       // Optional: rejects unknown workflow slugs when set
	TimeProvider core.TimeProvider     // Optional: defaults to RealTimeProvider
	Logger       *slog.Logger          // Optional: structured logger
}

// JobService is the creation and operator surface for jobs.
//
// This service manages:
// - Enqueueing jobs (insert queued record, then publish the canonical message)
// - Cancelling queued or running jobs
// - Reading job status and run logs.
type JobService struct {
	store     *JobStore
	publisher core.MessagePublisher
	runLog    *RunLogRecorder
	logReader core.RunLogReader
	workflows WorkflowCatalog
	clock     core.TimeProvider
	logger    *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	logger := resolveLogger(opts.Logger)
	return &JobService{
		store:     opts.Store,
		publisher: opts.Publisher,
		runLog:    NewRunLogRecorder(opts.RunLog, clock, logger),
		logReader: opts.RunLogReader,
		workflows: opts.Workflows,
		clock:     clock,
		logger:    logger.With("component", "job_service"),
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// EnqueueResult reports the job behind an Enqueue call.
type EnqueueResult struct {
	Job *model.JobRecord
	// Created is false when a job with the derived id already existed.
	Created bool
	// MessageID is the transport id of the published message, when one was published.
	MessageID string
}

// Enqueue inserts a queued job and publishes its message.
//
// With a ClientRequestID the job id is derived from the workflow slug and the request
// id, so a retried request resolves to the same job. An existing job that is still
// queued is published again; any other existing job is returned untouched.
func (s *JobService) Enqueue(ctx context.Context, req *model.CreateJobRequest) (EnqueueResult, error) {
	if req == nil {
		return EnqueueResult{}, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return EnqueueResult{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create job request")
	}
	slug := strings.TrimSpace(req.WorkflowSlug)
	if s.workflows != nil && !s.workflows.Has(slug) {
		return EnqueueResult{}, apperrors.ValidationField("workflowSlug", fmt.Sprintf("unknown workflow %q", slug))
	}
	if s.publisher == nil {
		return EnqueueResult{}, errors.New("enqueue: no message publisher configured")
	}

	rec, err := s.newRecord(slug, req)
	if err != nil {
		return EnqueueResult{}, err
	}

	result := EnqueueResult{Job: rec, Created: true}
	if err := s.store.PutNewJob(ctx, rec); err != nil {
		if !errors.Is(err, core.ErrJobAlreadyExists) {
			return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
		}
		existing, getErr := s.store.GetJob(ctx, rec.JobID)
		if getErr != nil {
			return EnqueueResult{}, fmt.Errorf("enqueue: load existing job: %w", getErr)
		}
		if existing == nil {
			return EnqueueResult{}, fmt.Errorf("enqueue: job %s vanished after conflict: %w", rec.JobID, core.ErrJobNotFound)
		}
		result = EnqueueResult{Job: existing, Created: false}
		s.logger.InfoContext(ctx, "enqueue resolved to existing job",
			"job_id", existing.JobID, "status", existing.Status)
		if existing.Status != model.JobStatusQueued {
			return result, nil
		}
	} else {
		s.runLog.Transition(ctx, rec.JobID, model.RunLogStepEnqueue,
			fmt.Sprintf("Job enqueued (workflow %s)", slug), "", model.JobStatusQueued)
	}

	msgID, err := s.publisher.Publish(ctx, model.JobMessage{JobID: result.Job.JobID, WorkflowSlug: slug})
	if err != nil {
		return result, fmt.Errorf("enqueue: publish job %s: %w", result.Job.JobID, err)
	}
	result.MessageID = msgID

	s.logger.DebugContext(ctx, "job enqueued",
		"job_id", result.Job.JobID,
		"workflow", slug,
		"created", result.Created,
		"message_id", msgID,
	)
	return result, nil
}

func (s *JobService) newRecord(slug string, req *model.CreateJobRequest) (*model.JobRecord, error) {
	trigger := strings.TrimSpace(req.TriggerType)
	if trigger == "" {
		trigger = defaultTriggerType
	}
	payload, err := json.Marshal(model.JobPayload{
		WorkflowSlug: slug,
		Input:        req.Input,
		TriggerType:  trigger,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	id := uuid.NewString()
	if key := strings.TrimSpace(req.ClientRequestID); key != "" {
		id = uuid.NewSHA1(enqueueNamespace, []byte(slug+"|"+key)).String()
	}

	now := s.clock.Now()
	return &model.JobRecord{
		JobID:     id,
		Status:    model.JobStatusQueued,
		Attempt:   0,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Cancel moves a queued or running job to cancelled.
//
// Cancelling an already cancelled job returns it unchanged. Other terminal jobs fail
// with ErrIllegalTransition. A running handler is not interrupted; its finalize write
// is rejected because the job is no longer running.
func (s *JobService) Cancel(ctx context.Context, jobID, reason string) (*model.JobRecord, error) {
	for range maxCancelAttempts {
		cur, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("cancel job: %w", err)
		}
		if cur == nil {
			return nil, fmt.Errorf("cancel job %s: %w", jobID, core.ErrJobNotFound)
		}
		if cur.Status == model.JobStatusCancelled {
			return cur, nil
		}

		res, err := s.store.UpdateJobStatus(ctx, UpdateStatusParams{
			JobID:          jobID,
			ExpectedStatus: cur.Status,
			NextStatus:     model.JobStatusCancelled,
			CancelReason:   strings.TrimSpace(reason),
		})
		if err != nil {
			return nil, fmt.Errorf("cancel job: %w", err)
		}
		if res.Kind == domainjob.TransitionApplied {
			s.runLog.Transition(ctx, jobID, model.RunLogStepCancel,
				cancelMessage(reason), cur.Status, model.JobStatusCancelled)
			s.logger.InfoContext(ctx, "job cancelled", "job_id", jobID, "status_before", cur.Status)
			return res.Record, nil
		}
		// The job moved under us; reload and try again from its new status.
		s.logger.DebugContext(ctx, "cancel raced with another writer",
			"job_id", jobID, "classification", res.Classification())
	}
	return nil, apperrors.Conflictf("cancel job %s: status kept changing", jobID)
}

func cancelMessage(reason string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return "Job cancelled: " + r
	}
	return "Job cancelled"
}

// Get returns a job or an error wrapping ErrJobNotFound.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	rec, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	return rec, nil
}

// ListRunLogs returns up to limit run log entries for a job, newest first.
func (s *JobService) ListRunLogs(ctx context.Context, jobID string, limit int) ([]model.RunLogEntry, error) {
	if s.logReader == nil {
		return nil, errors.New("list run logs: no run log reader configured")
	}
	entries, err := s.logReader.ListByJob(ctx, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return entries, nil
}
