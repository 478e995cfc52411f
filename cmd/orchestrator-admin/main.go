package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer

	// openApp connects to the configured backends; tests replace it.
	openApp func(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*bootstrap.App, error)
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger("info")

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger = bootstrap.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdCtx := &commandContext{
		Ctx:     ctx,
		Logger:  logger,
		Config:  cfg,
		Out:     os.Stdout,
		openApp: openApp,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		stop()
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations for the configured SQL store",
			run:         runMigrations,
		},
		"enqueue": {
			name:        "enqueue",
			description: "Create a queued job and publish its message",
			run:         runEnqueue,
		},
		"cancel": {
			name:        "cancel",
			description: "Cancel a queued or running job",
			run:         runCancel,
		},
		"show": {
			name:        "show",
			description: "Print a job record as JSON",
			run:         runShow,
		},
		"logs": {
			name:        "logs",
			description: "List run log entries for a job, newest first",
			run:         runLogs,
		},
		"reap": {
			name:        "reap",
			description: "Run one reaper sweep (time out stale running jobs, republish stale queued jobs)",
			run:         runReap,
		},
		"workflows": {
			name:        "workflows",
			description: "List registered workflow slugs",
			run:         runWorkflows,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: orchestrator-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-12s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

// openApp connects without migrating; only the migrate command changes the schema.
func openApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*bootstrap.App, error) {
	c := *cfg
	c.Store.RunMigrationsOnStart = false
	return bootstrap.OpenApp(ctx, bootstrap.AppOptions{Config: &c, Logger: logger})
}

// withApp opens the app for one command and closes it afterwards.
func (cmdCtx *commandContext) withApp(fn func(app *bootstrap.App) error) error {
	app, err := cmdCtx.openApp(cmdCtx.Ctx, &cmdCtx.Config, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("close app failed", "error", closeErr)
		}
	}()
	return fn(app)
}

type migrateOptions struct {
	Timeout time.Duration
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	dbCfg := bootstrap.DatabaseConfig{
		Store:    cmdCtx.Config.Store,
		DBConfig: cmdCtx.Config.Postgres,
		SQLite:   cmdCtx.Config.SQLite,
		Logger:   cmdCtx.Logger,
	}
	dialect, ok := dbCfg.Dialect()
	if !ok {
		return fmt.Errorf("store backend %q has no schema to migrate", cmdCtx.Config.Store.Backend)
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")
	if migrateErr := bootstrap.RunMigrations(ctx, db, dialect, cmdCtx.Logger); migrateErr != nil {
		return migrateErr
	}
	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{Timeout: defaultMigrationTimeout}
	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
