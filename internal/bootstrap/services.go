package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/adapters/jobrunner"
	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/data"
	"github.com/lifebook/orchestrator/internal/data/sqlutil"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
	"github.com/lifebook/orchestrator/internal/service"
)

const shutdownWaitTimeout = 30 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Records   core.JobRecordStore
	RunLogs   core.RunLogRepository
	Store     *service.JobStore
	Jobs      *service.JobService
	Runner    *service.JobRunner
	Workflows *jobrunner.Registry
	Publisher core.MessagePublisher

	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// Sink returns the metrics sink, or nil when metrics are disabled.
//
//nolint:ireturn // a nil interface keeps metric emitters on their fast path.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Publisher   core.MessagePublisher
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Jobs    core.JobRecordStore
	RunLogs core.RunLogRepository
}

// buildObservability configures the metrics client.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:       true,
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			GlobalTags:    cfg.Metrics.Tags,
			FlushInterval: cfg.Metrics.FlushInterval,
			MaxPacketSize: cfg.Metrics.MaxPacketSize,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories picks the job record store and run log for the configured backend.
func buildRepositories(deps *ServiceDeps) (*serviceRepositories, error) {
	cfg := deps.Config
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		if deps.RedisClient == nil {
			return nil, errors.New("redis store backend requires a redis client")
		}
		redisCfg := data.RedisRepoConfig{
			KeyPrefix:        cfg.Store.RedisKeyPrefix,
			RunLogMaxEntries: cfg.Store.RunLogMaxEntries,
		}
		return &serviceRepositories{
			Jobs:    data.NewRedisJobRepo(deps.RedisClient, redisCfg),
			RunLogs: data.NewRedisRunLogRepo(deps.RedisClient, redisCfg),
		}, nil
	case config.StoreBackendPostgres, config.StoreBackendSQLite:
		if deps.DB == nil {
			return nil, fmt.Errorf("%s store backend requires a database connection", cfg.Store.Backend)
		}
		dialect := sqlutil.DialectPostgres
		if cfg.Store.Backend == config.StoreBackendSQLite {
			dialect = sqlutil.DialectSQLite
		}
		repoCfg := data.RepoConfig{Dialect: dialect, Logger: deps.Logger}
		return &serviceRepositories{
			Jobs:    data.NewJobRepo(deps.DB, repoCfg),
			RunLogs: data.NewRunLogRepo(deps.DB, repoCfg),
		}, nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
}

// NewServices wires the lifecycle services over the configured store.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repos, err := buildRepositories(deps)
	if err != nil {
		return nil, err
	}
	observability := buildObservability(logger, deps.Config.Observability)

	store, err := service.NewJobStore(service.JobStoreOptions{Store: repos.Jobs, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create job store: %w", err)
	}

	workflows := jobrunner.NewRegistry(logger)

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Store:        store,
		Publisher:    deps.Publisher,
		RunLog:       repos.RunLogs,
		RunLogReader: repos.RunLogs,
		Workflows:    workflows,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}

	runner, err := service.NewJobRunner(service.JobRunnerOptions{
		Store:          store,
		RunLog:         repos.RunLogs,
		Logger:         logger,
		Metrics:        observability.Sink(),
		HandlerTimeout: deps.Config.Worker.HandlerTimeout,
		ResumeAfter:    deps.Config.Worker.ResumeAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("create job runner: %w", err)
	}

	return &ServiceContainer{
		Records:       repos.Jobs,
		RunLogs:       repos.RunLogs,
		Store:         store,
		Jobs:          jobs,
		Runner:        runner,
		Workflows:     workflows,
		Publisher:     deps.Publisher,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config    *config.AppConfig
	Services  *ServiceContainer
	Transport *Transport
	Logger    *slog.Logger

	// Signals overrides the shutdown signal source; nil listens for SIGINT and SIGTERM.
	Signals <-chan os.Signal
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// serviceStartupDeps groups dependencies for starting services.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			return RunWorker(ctx, WorkerRunConfig{
				Transport: deps.cfg.Transport,
				Services:  deps.cfg.Services,
				Worker:    deps.cfg.Config.Worker,
				Logger:    deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperRunConfig{
				Services: deps.cfg.Services,
				Config:   deps.cfg.Config.Reaper,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.Sink(),
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config missing AppConfig or services")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	if enabledServices[config.ServiceModeWorker] && cfg.Transport == nil {
		return errors.New("worker service requires a job transport")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, errorChannelBufferSize(enabledServices))
	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		signals:     cfg.Signals,
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	signals     <-chan os.Signal
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
