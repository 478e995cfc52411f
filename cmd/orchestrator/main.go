package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger("info")
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger = bootstrap.InitLogger(cfg.LogLevel)

	logStartupInfo(ctx, logger, &cfg)

	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	app, err := bootstrap.OpenApp(ctx, bootstrap.AppOptions{Config: &cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close app failed", "error", cerr)
		}
	}()

	return app.Run()
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting orchestrator",
		"store_backend", cfg.Store.Backend,
		"queue_backend", cfg.Queue.Backend,
		"enabled_services", bootstrap.GetEnabledServices(cfg),
		"worker_concurrency", cfg.Worker.Concurrency,
	)
}
