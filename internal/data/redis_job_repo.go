package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
	apperrors "github.com/lifebook/orchestrator/internal/errors"
)

// Hash field names of a job record.
const (
	fieldJobID           = "job_id"
	fieldStatus          = "status"
	fieldAttempt         = "attempt"
	fieldPayload         = "payload"
	fieldErrorCode       = "error_code"
	fieldErrorMessage    = "error_message"
	fieldCancelledReason = "cancelled_reason"
	fieldCreatedAt       = "created_at"
	fieldUpdatedAt       = "updated_at"
)

// KEYS[1] job hash, KEYS[2] status index.
// ARGV[1] job id, ARGV[2] index score, ARGV[3..] field/value pairs.
var putIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] job hash, KEYS[2] expected status index, KEYS[3] new status index.
// ARGV[1] expected status, ARGV[2] job id, ARGV[3] index score, ARGV[4..] field/value pairs.
var updateIfStatusScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if (not current) or current ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

// RedisRepoConfig configures the Redis repositories.
type RedisRepoConfig struct {
	// KeyPrefix namespaces all keys; defaults to "orchestrator".
	KeyPrefix string
	// RunLogMaxEntries caps the per-job run log list; defaults to 500.
	RunLogMaxEntries int64
}

// RedisJobRepo stores one hash per job and keeps per-status sorted sets for sweeps.
// Conditional writes run as Lua scripts so they are atomic on the server.
type RedisJobRepo struct {
	client redis.UniversalClient
	keys   redisKeys
}

var _ core.JobRecordStore = (*RedisJobRepo)(nil)

// NewRedisJobRepo creates a RedisJobRepo with the given Redis client.
func NewRedisJobRepo(client redis.UniversalClient, cfg RedisRepoConfig) *RedisJobRepo {
	return &RedisJobRepo{client: client, keys: newRedisKeys(cfg.KeyPrefix)}
}

// Get loads a job record by id.
func (r *RedisJobRepo) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.keys.job(jobID)).Result()
	if err != nil {
		return nil, redisStorageError("redis get job", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	rec, err := decodeJobHash(fields)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeInternal, "decode job %s", jobID)
	}
	return rec, nil
}

// PutIfAbsent inserts a new job record unless the key already exists.
func (r *RedisJobRepo) PutIfAbsent(ctx context.Context, rec *model.JobRecord) error {
	if rec == nil || strings.TrimSpace(rec.JobID) == "" {
		return apperrors.ValidationField("jobId", "job id is required")
	}

	args := append([]any{rec.JobID, indexScore(rec.UpdatedAt)}, encodeJobHash(rec)...)
	created, err := putIfAbsentScript.Run(ctx, r.client,
		[]string{r.keys.job(rec.JobID), r.keys.statusIndex(rec.Status)},
		args...,
	).Int()
	if err != nil {
		return redisStorageError("redis insert job", err)
	}
	if created == 0 {
		return fmt.Errorf("job %s: %w", rec.JobID, core.ErrJobAlreadyExists)
	}
	return nil
}

// UpdateIfStatusEquals replaces the job hash while its status field still equals expected.
func (r *RedisJobRepo) UpdateIfStatusEquals(ctx context.Context, expected model.JobStatus, rec *model.JobRecord) error {
	args := append([]any{string(expected), rec.JobID, indexScore(rec.UpdatedAt)}, encodeJobHash(rec)...)
	updated, err := updateIfStatusScript.Run(ctx, r.client,
		[]string{r.keys.job(rec.JobID), r.keys.statusIndex(expected), r.keys.statusIndex(rec.Status)},
		args...,
	).Int()
	if err != nil {
		return redisStorageError("redis update job status", err)
	}
	if updated == 0 {
		return fmt.Errorf("job %s expected %s: %w", rec.JobID, expected, core.ErrConditionFailed)
	}
	return nil
}

// ListByStatus returns the oldest records in a status that were last updated before the cutoff.
func (r *RedisJobRepo) ListByStatus(ctx context.Context, params core.ListByStatusParams) ([]*model.JobRecord, error) {
	limit := int64(params.Limit)
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRangeByScore(ctx, r.keys.statusIndex(params.Status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(indexScore(params.UpdatedBefore), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, redisStorageError("redis list jobs by status", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.keys.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisStorageError("redis load jobs", err)
	}

	out := make([]*model.JobRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, decodeErr := decodeJobHash(fields)
		if decodeErr != nil {
			return nil, apperrors.Wrap(decodeErr, apperrors.ErrCodeInternal, "decode job")
		}
		// The index may briefly lag a concurrent transition.
		if rec.Status != params.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeJobHash(rec *model.JobRecord) []any {
	args := []any{
		fieldJobID, rec.JobID,
		fieldStatus, string(rec.Status),
		fieldAttempt, strconv.Itoa(rec.Attempt),
		fieldPayload, payloadText(rec.Payload),
		fieldCreatedAt, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.ErrorCode != "" {
		args = append(args, fieldErrorCode, rec.ErrorCode)
	}
	if rec.ErrorMessage != "" {
		args = append(args, fieldErrorMessage, rec.ErrorMessage)
	}
	if rec.CancelledReason != "" {
		args = append(args, fieldCancelledReason, rec.CancelledReason)
	}
	return args
}

func decodeJobHash(fields map[string]string) (*model.JobRecord, error) {
	attempt, err := strconv.Atoi(fields[fieldAttempt])
	if err != nil {
		return nil, fmt.Errorf("parse attempt: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &model.JobRecord{
		JobID:           fields[fieldJobID],
		Status:          model.JobStatus(fields[fieldStatus]),
		Attempt:         attempt,
		Payload:         cloneJSON([]byte(fields[fieldPayload])),
		ErrorCode:       fields[fieldErrorCode],
		ErrorMessage:    fields[fieldErrorMessage],
		CancelledReason: fields[fieldCancelledReason],
		CreatedAt:       createdAt.UTC(),
		UpdatedAt:       updatedAt.UTC(),
	}, nil
}

func indexScore(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func redisStorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStorageUnavailable, err)
}
