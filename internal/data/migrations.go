package data

import (
	"context"
	"database/sql"

	"github.com/lifebook/orchestrator/internal/data/sqlutil"
	"github.com/lifebook/orchestrator/internal/migrate"
)

// RunMigrations applies the embedded schema for dialect by delegating to the migrate package.
func RunMigrations(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) error {
	return migrate.Run(ctx, db, dialect)
}
