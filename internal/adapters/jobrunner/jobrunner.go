// Package jobrunner is the worker entry point: it turns transport messages into RunJob calls.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/observability/metrics"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
	"github.com/lifebook/orchestrator/internal/service"
)

const (
	defaultBatchSize  = 10
	receiveRetryDelay = time.Second
)

// WorkerOptions configures the worker entry point.
type WorkerOptions struct {
	Runner   *service.JobRunner   // Required: drives each job through its lifecycle
	Handler  core.JobHandler      // Required: business logic, usually Registry.Handler()
	Consumer core.MessageConsumer // Optional: required by Run
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Concurrency bounds how many messages of one batch run at once; defaults to 1.
	Concurrency int
	// BatchSize is the receive size used by Run; defaults to 10.
	BatchSize int
	// Transport tags worker metrics (e.g. "redis-streams").
	Transport string
}

// Worker processes batches of job messages with per-message isolation.
type Worker struct {
	runner    *service.JobRunner
	handler   core.JobHandler
	consumer  core.MessageConsumer
	logger    *slog.Logger
	metrics   statsd.Sink
	workers   int
	batchSize int
	transport string
}

// NewWorker validates options and constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Runner == nil {
		return nil, errors.New("JobRunner is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("job handler is required")
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	transport := strings.TrimSpace(opts.Transport)
	if transport == "" {
		transport = "direct"
	}
	return &Worker{
		runner:    opts.Runner,
		handler:   opts.Handler,
		consumer:  opts.Consumer,
		logger:    resolveLogger(opts.Logger).With("component", "worker"),
		metrics:   opts.Metrics,
		workers:   workers,
		batchSize: batchSize,
		transport: transport,
	}, nil
}

// MessageFailure records why one message of a batch failed.
type MessageFailure struct {
	MessageID string
	// JobID is empty when the message could not be parsed.
	JobID string
	Err   error
}

func (f MessageFailure) Error() string {
	if f.JobID == "" {
		return fmt.Sprintf("message %s: %v", f.MessageID, f.Err)
	}
	return fmt.Sprintf("message %s (job %s): %v", f.MessageID, f.JobID, f.Err)
}

func (f MessageFailure) Unwrap() error { return f.Err }

// BatchError aggregates the failed messages of one batch.
type BatchError struct {
	Failures []MessageFailure
	Total    int
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%d of %d messages failed: %s", len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes every message error to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// FailedMessageIDs lists the ids of the failed messages in batch order.
func (e *BatchError) FailedMessageIDs() []string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.MessageID
	}
	return ids
}

// BatchResult reports the outcome of ProcessBatch.
type BatchResult struct {
	// Succeeded lists message ids that can be acknowledged, in batch order.
	Succeeded []string
	// Outcomes maps each successfully processed message id to its runner outcome.
	Outcomes map[string]service.Outcome
}

// ProcessBatch runs every message independently. Failed messages never stop the
// others; they are returned together as a *BatchError.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []core.Message) (BatchResult, error) {
	start := time.Now()
	outcomes := make([]service.Outcome, len(msgs))
	failures := make([]*MessageFailure, len(msgs))

	var g errgroup.Group
	g.SetLimit(w.workers)
	for i, msg := range msgs {
		g.Go(func() error {
			outcome, jobID, err := w.process(ctx, msg)
			if err != nil {
				failures[i] = &MessageFailure{MessageID: msg.ID, JobID: jobID, Err: err}
				return nil
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Outcomes: make(map[string]service.Outcome, len(msgs))}
	var batchErr *BatchError
	for i, msg := range msgs {
		if failures[i] != nil {
			if batchErr == nil {
				batchErr = &BatchError{Total: len(msgs)}
			}
			batchErr.Failures = append(batchErr.Failures, *failures[i])
			continue
		}
		result.Succeeded = append(result.Succeeded, msg.ID)
		result.Outcomes[msg.ID] = outcomes[i]
	}

	failed := 0
	if batchErr != nil {
		failed = len(batchErr.Failures)
	}
	metrics.EmitWorkerBatch(w.metrics, metrics.BatchMetric{
		Transport: w.transport,
		Size:      len(msgs),
		Failed:    failed,
		Duration:  time.Since(start),
	})

	if batchErr != nil {
		return result, batchErr
	}
	return result, nil
}

// HandleMessage processes a single message. Transports that deliver one message
// at a time call this directly.
func (w *Worker) HandleMessage(ctx context.Context, msg core.Message) (service.Outcome, error) {
	outcome, _, err := w.process(ctx, msg)
	return outcome, err
}

func (w *Worker) process(ctx context.Context, msg core.Message) (service.Outcome, string, error) {
	parsed, err := ParseMessage(msg.Body)
	if err != nil {
		w.logger.WarnContext(ctx, "rejecting malformed message", "message_id", msg.ID, "error", err)
		return "", "", err
	}

	outcome, err := w.runner.RunJob(ctx, parsed.JobID, w.handler)
	if err != nil {
		w.logger.WarnContext(ctx, "job message failed",
			"message_id", msg.ID,
			"job_id", parsed.JobID,
			"workflow", parsed.WorkflowSlug,
			"delivery_count", msg.DeliveryCount,
			"error", err,
		)
		return outcome, parsed.JobID, err
	}
	w.logger.DebugContext(ctx, "job message processed",
		"message_id", msg.ID,
		"job_id", parsed.JobID,
		"outcome", outcome,
	)
	return outcome, parsed.JobID, nil
}

// Run receives batches from the consumer until ctx is cancelled, acknowledging
// every successfully processed message. Failed messages stay unacknowledged so the
// transport redelivers them.
func (w *Worker) Run(ctx context.Context) error {
	if w.consumer == nil {
		return errors.New("worker: message consumer is required")
	}
	w.logger.InfoContext(ctx, "starting worker",
		"transport", w.transport,
		"concurrency", w.workers,
		"batch_size", w.batchSize,
	)

	for ctx.Err() == nil {
		msgs, err := w.consumer.Receive(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.ErrorContext(ctx, "receive messages failed", "error", err)
			if !sleepCtx(ctx, receiveRetryDelay) {
				break
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		w.handleBatch(ctx, msgs)
	}

	w.logger.InfoContext(ctx, "worker stopping", "reason", ctx.Err())
	return nil
}

func (w *Worker) handleBatch(ctx context.Context, msgs []core.Message) {
	result, err := w.ProcessBatch(ctx, msgs)
	if err != nil {
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			w.logger.WarnContext(ctx, "batch completed with failures",
				"failed", len(batchErr.Failures),
				"total", batchErr.Total,
				"failed_message_ids", batchErr.FailedMessageIDs(),
			)
		} else {
			w.logger.ErrorContext(ctx, "batch failed", "error", err)
		}
	}
	if len(result.Succeeded) == 0 {
		return
	}

	// Acknowledge even when shutdown is in progress; the work is already recorded.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.consumer.Ack(actx, result.Succeeded...); err != nil {
		w.logger.ErrorContext(ctx, "acknowledge messages failed",
			"count", len(result.Succeeded),
			"error", err,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
