package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/adapters/asynqqueue"
	"github.com/lifebook/orchestrator/internal/adapters/jobrunner"
	redisqueue "github.com/lifebook/orchestrator/internal/adapters/redis"
	"github.com/lifebook/orchestrator/internal/adapters/reaper"
	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
)

// Transport is the configured job message transport.
type Transport struct {
	backend   config.QueueBackend
	queue     config.QueueConfig
	redis     redis.UniversalClient
	asynqOpt  asynq.RedisConnOpt
	publisher core.MessagePublisher
	closers   []func() error
	logger    *slog.Logger
	metrics   statsd.Sink
}

// TransportOptions groups dependencies for NewTransport.
type TransportOptions struct {
	Queue   config.QueueConfig
	Redis   config.RedisConfig
	Client  redis.UniversalClient // Required
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewTransport builds the publisher side of the configured transport. The consumer
// side is started by RunWorker.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required for the job transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		backend: opts.Queue.Backend,
		queue:   opts.Queue,
		redis:   opts.Client,
		logger:  logger,
		metrics: opts.Metrics,
	}

	switch opts.Queue.Backend {
	case config.QueueBackendAsynq:
		target, err := resolveRedisTarget(opts.Redis)
		if err != nil {
			return nil, err
		}
		connOpt := target.asynqConnOpt()
		pub, err := asynqqueue.NewPublisher(asynqqueue.PublisherOptions{
			Redis:    connOpt,
			Queue:    opts.Queue.AsynqQueue,
			MaxRetry: opts.Queue.AsynqMaxRetry,
		})
		if err != nil {
			return nil, err
		}
		t.asynqOpt = connOpt
		t.publisher = pub
		t.closers = append(t.closers, pub.Close)
	case config.QueueBackendRedisStreams, "":
		pub, err := redisqueue.NewPublisher(opts.Client, opts.Queue.Stream)
		if err != nil {
			return nil, err
		}
		t.backend = config.QueueBackendRedisStreams
		t.publisher = pub
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", opts.Queue.Backend)
	}
	return t, nil
}

// Publisher returns the message publisher.
//
//nolint:ireturn // callers only need the port.
func (t *Transport) Publisher() core.MessagePublisher {
	return t.publisher
}

// Backend reports the transport in use.
func (t *Transport) Backend() config.QueueBackend {
	return t.backend
}

// Close releases transport clients. The shared Redis client is owned by the caller.
func (t *Transport) Close() error {
	var errs []error
	for _, c := range t.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WorkerRunConfig contains configuration for the worker service.
type WorkerRunConfig struct {
	Transport *Transport
	Services  *ServiceContainer
	Worker    config.WorkerConfig
	Logger    *slog.Logger
}

// RunWorker consumes job messages until ctx is cancelled.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	if cfg.Transport == nil || cfg.Services == nil {
		return errors.New("worker requires a transport and services")
	}
	t := cfg.Transport

	opts := jobrunner.WorkerOptions{
		Runner:      cfg.Services.Runner,
		Handler:     cfg.Services.Workflows.Handler(),
		Logger:      cfg.Logger,
		Metrics:     t.metrics,
		Concurrency: cfg.Worker.Concurrency,
		BatchSize:   t.queue.BatchSize,
		Transport:   string(t.backend),
	}

	switch t.backend {
	case config.QueueBackendAsynq:
		worker, err := jobrunner.NewWorker(opts)
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		srv, err := asynqqueue.NewServer(asynqqueue.ServerOptions{
			Redis:       t.asynqOpt,
			Worker:      worker,
			Queue:       t.queue.AsynqQueue,
			Concurrency: cfg.Worker.Concurrency,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return fmt.Errorf("create asynq server: %w", err)
		}
		return srv.Run(ctx)
	default:
		consumer, err := redisqueue.NewConsumer(redisqueue.ConsumerOptions{
			Client:            t.redis,
			Stream:            t.queue.Stream,
			Group:             t.queue.Group,
			Consumer:          t.queue.Consumer,
			DeadLetterStream:  t.queue.DeadLetterStream,
			Block:             t.queue.Block,
			VisibilityTimeout: t.queue.VisibilityTimeout,
			MaxDeliveries:     int(t.queue.MaxDeliveries),
			Logger:            cfg.Logger,
			Metrics:           t.metrics,
		})
		if err != nil {
			return fmt.Errorf("create stream consumer: %w", err)
		}
		if err := consumer.EnsureGroup(ctx); err != nil {
			return err
		}
		opts.Consumer = consumer
		worker, err := jobrunner.NewWorker(opts)
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		return worker.Run(ctx)
	}
}

// ReaperRunConfig contains configuration for the reaper service.
type ReaperRunConfig struct {
	Services *ServiceContainer
	Config   config.ReaperConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// NewReaperRunner wires the reaper against the configured store and transport.
func NewReaperRunner(cfg ReaperRunConfig) (*reaper.Runner, error) {
	if cfg.Services == nil {
		return nil, errors.New("reaper requires services")
	}
	return reaper.NewRunner(reaper.RunnerOptions{
		Store:     cfg.Services.Records,
		Config:    cfg.Config,
		Logger:    cfg.Logger,
		Publisher: cfg.Services.Publisher,
		RunLog:    cfg.Services.RunLogs,
		Metrics:   cfg.Metrics,
	})
}

// RunReaper starts the reaper loop.
func RunReaper(ctx context.Context, cfg ReaperRunConfig) error {
	runner, err := NewReaperRunner(cfg)
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}
