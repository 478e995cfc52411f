// Package migrate applies the embedded, per-dialect SQL schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/lifebook/orchestrator/internal/data/sqlutil"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

var schemaMigrationsDDL = map[sqlutil.Dialect]string{
	sqlutil.DialectPostgres: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	sqlutil.DialectSQLite: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
}

// Run applies all SQL migrations embedded for the dialect. It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) error {
	ddl, ok := schemaMigrationsDDL[dialect]
	if !ok {
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := List(dialect)
	if err != nil {
		return err
	}

	for _, f := range files {
		info := migrationInfo{
			versionStr: strings.TrimSuffix(f, ".sql"),
			file:       f,
			dir:        path.Join("migrations", string(dialect)),
		}
		if applyErr := applyMigration(ctx, db, dialect, info); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// List returns the migration file names embedded for the dialect, in apply order.
func List(dialect sqlutil.Dialect) ([]string, error) {
	entries, err := migrationsFS.ReadDir(path.Join("migrations", string(dialect)))
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationInfo holds information about a migration for processing.
type migrationInfo struct {
	versionStr string
	file       string
	dir        string
}

func migrationExists(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, info migrationInfo) (bool, error) {
	var n int
	query := dialect.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`)
	if err := db.QueryRowContext(ctx, query, info.versionStr).Scan(&n); err != nil {
		return false, fmt.Errorf("check migration %s: %w", info.file, err)
	}
	return n > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, info migrationInfo) error {
	exists, err := migrationExists(ctx, db, dialect, info)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	sqlBytes, err := migrationsFS.ReadFile(path.Join(info.dir, info.file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", info.file, err)
	}

	logger := slog.Default().With("component", "migrations")
	logger.InfoContext(ctx, "applying migration", "version", info.versionStr, "dialect", dialect)

	return sqlutil.WithSQLTx(ctx, db, sqlutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
			return fmt.Errorf("exec migration %s: %w", info.file, execErr)
		}
		insert := dialect.Rebind(`INSERT INTO schema_migrations (version) VALUES (?)`)
		if _, insertErr := tx.ExecContext(ctx, insert, info.versionStr); insertErr != nil {
			return fmt.Errorf("record migration %s: %w", info.file, insertErr)
		}
		return nil
	}})
}
