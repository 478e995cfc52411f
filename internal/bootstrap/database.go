package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/data"
	"github.com/lifebook/orchestrator/internal/data/sqlutil"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	Store       config.StoreConfig
	DBConfig    config.DBConfig
	SQLite      config.SQLiteConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// Dialect reports the SQL dialect of the configured store, or false for non-SQL stores.
func (c DatabaseConfig) Dialect() (sqlutil.Dialect, bool) {
	switch c.Store.Backend {
	case config.StoreBackendPostgres:
		return sqlutil.DialectPostgres, true
	case config.StoreBackendSQLite:
		return sqlutil.DialectSQLite, true
	case config.StoreBackendRedis:
		return "", false
	}
	return "", false
}

// ConnectDB opens and verifies the SQL database selected by the store backend.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	dialect, ok := cfg.Dialect()
	if !ok {
		return nil, fmt.Errorf("store backend %q does not use a SQL database", cfg.Store.Backend)
	}

	dsn := cfg.SQLite.Path
	if dialect == sqlutil.DialectPostgres {
		dsn = cfg.DBConfig.DSN()
	}

	db, err := sqlutil.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}

	if dialect == sqlutil.DialectPostgres {
		db.SetMaxOpenConns(cfg.DBConfig.MaxOpenConns)
		db.SetMaxIdleConns(cfg.DBConfig.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		if dialect == sqlutil.DialectPostgres {
			cfg.Logger.Info("database connected",
				"dialect", string(dialect),
				"host", cfg.DBConfig.Host,
				"port", cfg.DBConfig.Port,
				"database", cfg.DBConfig.Name,
			)
		} else {
			cfg.Logger.Info("database connected", "dialect", string(dialect), "path", cfg.SQLite.Path)
		}
	}

	return db, nil
}

// RunMigrations applies the schema for dialect.
func RunMigrations(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, logger *slog.Logger) error {
	if err := data.RunMigrations(ctx, db, dialect); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "dialect", string(dialect))
	}

	return nil
}
