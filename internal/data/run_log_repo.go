package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/data/sqlutil"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

// RunLogRepo stores run log entries in orchestrator_run_logs.
type RunLogRepo struct {
	DB      *sql.DB
	dialect sqlutil.Dialect
	logger  *slog.Logger
}

var _ core.RunLogRepository = (*RunLogRepo)(nil)

// NewRunLogRepo creates a RunLogRepo. The dialect defaults to PostgreSQL.
func NewRunLogRepo(db *sql.DB, cfg RepoConfig) *RunLogRepo {
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = sqlutil.DialectPostgres
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLogRepo{DB: db, dialect: dialect, logger: logger.With("component", "run_log_repo")}
}

// Append inserts one entry.
func (r *RunLogRepo) Append(ctx context.Context, entry model.RunLogEntry) error {
	query := r.dialect.Rebind(`
		INSERT INTO orchestrator_run_logs (job_id, step, message, status_before, status_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := r.DB.ExecContext(ctx, query,
		entry.JobID,
		entry.Step,
		entry.Message,
		nullString(string(entry.StatusBefore)),
		nullString(string(entry.StatusAfter)),
		entry.CreatedAt.UTC(),
	); err != nil {
		return storageError("append run log", err)
	}
	return nil
}

// ListByJob returns up to limit entries for a job, newest first.
func (r *RunLogRepo) ListByJob(ctx context.Context, jobID string, limit int) ([]model.RunLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.dialect.Rebind(`
		SELECT job_id, step, message, status_before, status_after, created_at
		FROM orchestrator_run_logs
		WHERE job_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`)

	rows, err := r.DB.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, storageError("list run logs", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.logger.WarnContext(ctx, "close rows failed", "error", cerr)
		}
	}()

	var out []model.RunLogEntry
	for rows.Next() {
		var (
			e             model.RunLogEntry
			before, after sql.NullString
		)
		if scanErr := rows.Scan(&e.JobID, &e.Step, &e.Message, &before, &after, &e.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan run log: %w", scanErr)
		}
		e.StatusBefore = model.JobStatus(before.String)
		e.StatusAfter = model.JobStatus(after.String)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate run logs", err)
	}
	return out, nil
}
