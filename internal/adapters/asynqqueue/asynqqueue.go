// Package asynqqueue carries job messages over asynq task queues.
package asynqqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/lifebook/orchestrator/internal/adapters/jobrunner"
	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

// TaskTypeJob is the asynq task type of every job message.
const TaskTypeJob = "orchestrator:job"

const defaultQueue = "orchestrator"

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Redis    asynq.RedisConnOpt // Required
	Queue    string
	MaxRetry int
}

// Publisher enqueues job messages as asynq tasks.
type Publisher struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// NewPublisher creates a publisher backed by its own asynq client.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Redis == nil {
		return nil, errors.New("asynq redis connection is required")
	}
	return &Publisher{
		client:   asynq.NewClient(opts.Redis),
		queue:    queueName(opts.Queue),
		maxRetry: opts.MaxRetry,
	}, nil
}

// Publish enqueues msg and returns the asynq task id.
func (p *Publisher) Publish(ctx context.Context, msg model.JobMessage) (string, error) {
	body, err := jobrunner.EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	options := []asynq.Option{asynq.Queue(p.queue)}
	if p.maxRetry > 0 {
		options = append(options, asynq.MaxRetry(p.maxRetry))
	}
	info, err := p.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeJob, body), options...)
	if err != nil {
		return "", fmt.Errorf("asynq: enqueue job %s: %w", msg.JobID, err)
	}
	return info.ID, nil
}

// Close releases the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ core.MessagePublisher = (*Publisher)(nil)

// ServerOptions configures a Server.
type ServerOptions struct {
	Redis       asynq.RedisConnOpt // Required
	Worker      *jobrunner.Worker  // Required
	Queue       string
	Concurrency int
	Logger      *slog.Logger
}

// Server feeds asynq tasks to the worker one message at a time. asynq owns
// retries and archiving, so a returned error leaves the task for redelivery.
type Server struct {
	server *asynq.Server
	worker *jobrunner.Worker
	logger *slog.Logger
}

// NewServer constructs a Server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Redis == nil {
		return nil, errors.New("asynq redis connection is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "asynq_server")

	srv := asynq.NewServer(opts.Redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName(opts.Queue): 1},
		Logger:      &slogAdapter{logger: logger},
	})
	return &Server{server: srv, worker: opts.Worker, logger: logger}, nil
}

// ProcessTask implements asynq.Handler.
func (s *Server) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TaskTypeJob {
		return fmt.Errorf("unexpected task type %q: %w", t.Type(), asynq.SkipRetry)
	}
	id, _ := asynq.GetTaskID(ctx)
	retries, _ := asynq.GetRetryCount(ctx)

	_, err := s.worker.HandleMessage(ctx, core.Message{
		ID:            id,
		Body:          t.Payload(),
		DeliveryCount: retries + 1,
	})
	if err != nil && errors.Is(err, jobrunner.ErrMalformedMessage) {
		// A malformed body never parses; archive it straight away.
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Run processes tasks until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s); err != nil {
		return fmt.Errorf("asynq: start server: %w", err)
	}
	s.logger.InfoContext(ctx, "asynq server started")
	<-ctx.Done()
	s.logger.InfoContext(ctx, "asynq server stopping", "reason", ctx.Err())
	s.server.Shutdown()
	return nil
}

func queueName(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return defaultQueue
	}
	return q
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debug(args ...any) { a.logger.Debug(fmt.Sprint(args...)) }
func (a *slogAdapter) Info(args ...any)  { a.logger.Info(fmt.Sprint(args...)) }
func (a *slogAdapter) Warn(args ...any)  { a.logger.Warn(fmt.Sprint(args...)) }
func (a *slogAdapter) Error(args ...any) { a.logger.Error(fmt.Sprint(args...)) }

// Fatal logs at error level and exits, matching asynq's default logger.
func (a *slogAdapter) Fatal(args ...any) {
	a.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
