package data

import "github.com/lifebook/orchestrator/internal/domain/model"

const defaultRedisKeyPrefix = "orchestrator"

// redisKeys builds every key used by the Redis repositories. All keys share the
// {jobs} hash tag so multi-key scripts stay within one cluster slot.
type redisKeys struct {
	prefix string
}

func newRedisKeys(prefix string) redisKeys {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return redisKeys{prefix: prefix}
}

func (k redisKeys) job(jobID string) string {
	return k.prefix + ":{jobs}:job:" + jobID
}

func (k redisKeys) statusIndex(status model.JobStatus) string {
	return k.prefix + ":{jobs}:status:" + string(status)
}

func (k redisKeys) runLog(jobID string) string {
	return k.prefix + ":{jobs}:runlog:" + jobID
}
