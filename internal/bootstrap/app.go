package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/config"
)

// App owns the connections and services shared by the binaries.
type App struct {
	Config    *config.AppConfig
	Logger    *slog.Logger
	DB        *sql.DB
	Redis     redis.UniversalClient
	Transport *Transport
	Services  *ServiceContainer

	closers []func() error
}

// AppOptions lets callers inject already-open connections, mainly in tests.
type AppOptions struct {
	Config *config.AppConfig // Required
	Logger *slog.Logger

	DB    *sql.DB
	Redis redis.UniversalClient
}

// OpenApp connects to the configured backends, applies migrations when enabled,
// and wires the services. Close releases everything OpenApp opened.
func OpenApp(ctx context.Context, opts AppOptions) (app *App, err error) {
	if opts.Config == nil {
		return nil, errors.New("app config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{Config: opts.Config, Logger: logger, DB: opts.DB, Redis: opts.Redis}
	var owned []func() error
	defer func() {
		if err != nil {
			for i := len(owned) - 1; i >= 0; i-- {
				_ = owned[i]()
			}
		}
	}()

	dbCfg := DatabaseConfig{
		Store:       opts.Config.Store,
		DBConfig:    opts.Config.Postgres,
		SQLite:      opts.Config.SQLite,
		RedisConfig: opts.Config.Redis,
		Logger:      logger,
	}

	if dialect, ok := dbCfg.Dialect(); ok {
		if app.DB == nil {
			db, dbErr := ConnectDB(dbCfg)
			if dbErr != nil {
				return nil, fmt.Errorf("connect database: %w", dbErr)
			}
			app.DB = db
			owned = append(owned, db.Close)
		}
		if opts.Config.Store.RunMigrationsOnStart {
			if migErr := RunMigrations(ctx, app.DB, dialect, logger); migErr != nil {
				return nil, migErr
			}
		}
	}

	if app.Redis == nil && opts.Config.NeedsRedis() {
		client, redisErr := ConnectRedis(dbCfg)
		if redisErr != nil {
			return nil, fmt.Errorf("connect redis: %w", redisErr)
		}
		app.Redis = client
		owned = append(owned, client.Close)
	}

	transport, err := NewTransport(TransportOptions{
		Queue:  opts.Config.Queue,
		Redis:  opts.Config.Redis,
		Client: app.Redis,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	app.Transport = transport
	owned = append(owned, transport.Close)

	services, err := NewServices(&ServiceDeps{
		Config:      opts.Config,
		DB:          app.DB,
		RedisClient: app.Redis,
		Publisher:   transport.Publisher(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	app.Services = services
	transport.metrics = services.Observability.Sink()
	if services.Observability.MetricsSink != nil {
		owned = append(owned, services.Observability.MetricsSink.Close)
	}

	app.closers = owned
	return app, nil
}

// Run starts the enabled services and blocks until shutdown.
func (a *App) Run() error {
	return RunServicesWithShutdown(&ServiceOrchestrationConfig{
		Config:    a.Config,
		Services:  a.Services,
		Transport: a.Transport,
		Logger:    a.Logger,
	})
}

// Close releases the connections OpenApp opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
