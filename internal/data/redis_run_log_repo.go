package data

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

const defaultRunLogMaxEntries int64 = 500

// RedisRunLogRepo keeps a capped list of JSON-encoded run log entries per job.
type RedisRunLogRepo struct {
	client     redis.UniversalClient
	keys       redisKeys
	maxEntries int64
}

var _ core.RunLogRepository = (*RedisRunLogRepo)(nil)

// NewRedisRunLogRepo creates a RedisRunLogRepo.
func NewRedisRunLogRepo(client redis.UniversalClient, cfg RedisRepoConfig) *RedisRunLogRepo {
	maxEntries := cfg.RunLogMaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultRunLogMaxEntries
	}
	return &RedisRunLogRepo{client: client, keys: newRedisKeys(cfg.KeyPrefix), maxEntries: maxEntries}
}

// Append pushes an entry and trims the list to the newest maxEntries.
func (r *RedisRunLogRepo) Append(ctx context.Context, entry model.RunLogEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	key := r.keys.runLog(entry.JobID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, body)
	pipe.LTrim(ctx, key, -r.maxEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return redisStorageError("redis append run log", err)
	}
	return nil
}

// ListByJob returns up to limit entries for a job, newest first.
func (r *RedisRunLogRepo) ListByJob(ctx context.Context, jobID string, limit int) ([]model.RunLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := r.client.LRange(ctx, r.keys.runLog(jobID), -int64(limit), -1).Result()
	if err != nil {
		return nil, redisStorageError("redis list run logs", err)
	}
	out := make([]model.RunLogEntry, 0, len(raw))
	for _, item := range raw {
		var e model.RunLogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode run log: %w", err)
		}
		out = append(out, e)
	}
	slices.Reverse(out)
	return out, nil
}
