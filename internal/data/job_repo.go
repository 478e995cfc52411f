package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/data/sqlutil"
	"github.com/lifebook/orchestrator/internal/domain/model"
	apperrors "github.com/lifebook/orchestrator/internal/errors"
)

// RepoConfig holds configuration options for the SQL repositories.
type RepoConfig struct {
	Dialect sqlutil.Dialect
	Logger  *slog.Logger
}

// JobRepo is the SQL-backed JobRecordStore for PostgreSQL and SQLite.
type JobRepo struct {
	DB      *sql.DB
	dialect sqlutil.Dialect
	logger  *slog.Logger
}

var _ core.JobRecordStore = (*JobRepo)(nil)

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
// The dialect defaults to PostgreSQL.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = sqlutil.DialectPostgres
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{
		DB:      db,
		dialect: dialect,
		logger:  logger.With("component", "job_repo", "dialect", string(dialect)),
	}
}

const jobColumns = `
  id,
  status,
  attempt,
  payload,
  error_code,
  error_message,
  cancelled_reason,
  created_at,
  updated_at
`

// Get loads a job record by id.
func (r *JobRepo) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	query := r.dialect.Rebind(`SELECT ` + jobColumns + ` FROM orchestrator_jobs WHERE id = ?`)
	rec, err := scanJobRecord(r.DB.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
		}
		return nil, storageError("get job", err)
	}
	return rec, nil
}

// PutIfAbsent inserts a new job record unless one already exists with the same id.
func (r *JobRepo) PutIfAbsent(ctx context.Context, rec *model.JobRecord) error {
	if rec == nil || strings.TrimSpace(rec.JobID) == "" {
		return apperrors.ValidationField("jobId", "job id is required")
	}

	query := r.dialect.Rebind(`
		INSERT INTO orchestrator_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	res, err := r.DB.ExecContext(ctx, query,
		rec.JobID,
		string(rec.Status),
		rec.Attempt,
		payloadText(rec.Payload),
		nullString(rec.ErrorCode),
		nullString(rec.ErrorMessage),
		nullString(rec.CancelledReason),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return storageError("insert job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("insert job rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", rec.JobID, core.ErrJobAlreadyExists)
	}
	return nil
}

// UpdateIfStatusEquals overwrites the mutable columns of rec while the persisted status equals expected.
// The payload column is never rewritten.
func (r *JobRepo) UpdateIfStatusEquals(ctx context.Context, expected model.JobStatus, rec *model.JobRecord) error {
	query := r.dialect.Rebind(`
		UPDATE orchestrator_jobs
		SET status = ?,
		    attempt = ?,
		    error_code = ?,
		    error_message = ?,
		    cancelled_reason = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?`)

	res, err := r.DB.ExecContext(ctx, query,
		string(rec.Status),
		rec.Attempt,
		nullString(rec.ErrorCode),
		nullString(rec.ErrorMessage),
		nullString(rec.CancelledReason),
		rec.UpdatedAt.UTC(),
		rec.JobID,
		string(expected),
	)
	if err != nil {
		return storageError("update job status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("update job status rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s expected %s: %w", rec.JobID, expected, core.ErrConditionFailed)
	}
	return nil
}

// ListByStatus returns the oldest records in a status that were last updated before the cutoff.
func (r *JobRepo) ListByStatus(ctx context.Context, params core.ListByStatusParams) ([]*model.JobRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	query := r.dialect.Rebind(`
		SELECT ` + jobColumns + `
		FROM orchestrator_jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`)

	rows, err := r.DB.QueryContext(ctx, query, string(params.Status), params.UpdatedBefore.UTC(), limit)
	if err != nil {
		return nil, storageError("list jobs by status", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.logger.WarnContext(ctx, "close rows failed", "error", cerr)
		}
	}()

	var out []*model.JobRecord
	for rows.Next() {
		rec, scanErr := scanJobRecord(rows)
		if scanErr != nil {
			return nil, storageError("scan job", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate jobs", err)
	}
	return out, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJobRecord(scanner jobRowScanner) (*model.JobRecord, error) {
	var (
		rec                                   model.JobRecord
		status                                string
		payload                               []byte
		errorCode, errorMessage, cancelReason sql.NullString
	)
	if err := scanner.Scan(
		&rec.JobID,
		&status,
		&rec.Attempt,
		&payload,
		&errorCode,
		&errorMessage,
		&cancelReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = model.JobStatus(status)
	rec.Payload = cloneJSON(payload)
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.CancelledReason = cancelReason.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// storageError maps a driver error. Only transport-class failures are tagged
// ErrStorageUnavailable; constraint violations and server errors keep their code.
// The mapped error comes first so GetCode reports the specific code.
func storageError(op string, err error) error {
	mapped := apperrors.MapDBError(err)
	switch apperrors.GetCode(mapped) {
	case apperrors.ErrCodeUnavailable, apperrors.ErrCodeTimeout, apperrors.ErrCodeCanceled:
		return fmt.Errorf("%s: %w: %w", op, mapped, core.ErrStorageUnavailable)
	default:
		return fmt.Errorf("%s: %w", op, mapped)
	}
}

func payloadText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func cloneJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return append([]byte(nil), raw...)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
