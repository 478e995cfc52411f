package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker consumes job messages and runs their handlers.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the stale job sweeper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: worker, reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains job worker configuration.
type WorkerConfig struct {
	// Concurrency bounds how many messages of one batch run at the same time.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// HandlerTimeout bounds each workflow handler call. Zero disables the limit.
	HandlerTimeout time.Duration `env:"WORKER_HANDLER_TIMEOUT" envDefault:"15m"`

	// ResumeAfter, when positive, leaves running jobs updated inside this window to their owner.
	// Zero resumes every running job on redelivery.
	ResumeAfter time.Duration `env:"WORKER_RESUME_AFTER" envDefault:"0s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.HandlerTimeout < 0 {
		w.HandlerTimeout = 0
	}
	if w.ResumeAfter < 0 {
		w.ResumeAfter = 0
	}
}

// QueueBackend selects the message transport.
type QueueBackend string

const (
	// QueueBackendRedisStreams uses Redis Streams consumer groups.
	QueueBackendRedisStreams QueueBackend = "redis-streams"
	// QueueBackendAsynq uses hibiken/asynq.
	QueueBackendAsynq QueueBackend = "asynq"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (b *QueueBackend) UnmarshalText(text []byte) error {
	v := QueueBackend(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case QueueBackendRedisStreams, QueueBackendAsynq:
		*b = v
		return nil
	default:
		return fmt.Errorf("invalid queue backend %q (valid options: redis-streams, asynq)", string(text))
	}
}

// UsesRedis reports whether the backend is Redis-based. Both current backends are.
func (b QueueBackend) UsesRedis() bool {
	return b == QueueBackendRedisStreams || b == QueueBackendAsynq
}

// QueueConfig contains message transport configuration.
type QueueConfig struct {
	Backend QueueBackend `env:"QUEUE_BACKEND" envDefault:"redis-streams"`

	// Stream is the Redis stream carrying job messages.
	Stream string `env:"QUEUE_STREAM" envDefault:"orchestrator:jobs"`
	// Group is the consumer group shared by all workers.
	Group string `env:"QUEUE_GROUP" envDefault:"orchestrator-workers"`
	// Consumer names this process inside the group. Defaults to the hostname.
	Consumer string `env:"QUEUE_CONSUMER"`
	// DeadLetterStream receives messages that exceeded MaxDeliveries.
	DeadLetterStream string `env:"QUEUE_DEAD_LETTER_STREAM" envDefault:"orchestrator:jobs:dead"`

	// BatchSize is the maximum number of messages read per receive.
	BatchSize int `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	// Block is how long a receive waits for new messages.
	Block time.Duration `env:"QUEUE_BLOCK" envDefault:"5s"`
	// VisibilityTimeout is how long a delivered, unacknowledged message stays with its consumer
	// before another consumer may reclaim it. AppConfig.Sanitize raises it above the longest
	// time a batch can hold a message (see MinVisibilityTimeout).
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"1h"`
	// MaxDeliveries moves a message to the dead-letter stream after this many deliveries.
	MaxDeliveries int64 `env:"QUEUE_MAX_DELIVERIES" envDefault:"5"`

	// AsynqQueue is the asynq queue name.
	AsynqQueue string `env:"QUEUE_ASYNQ_QUEUE" envDefault:"orchestrator"`
	// AsynqMaxRetry is the asynq retry budget per task.
	AsynqMaxRetry int `env:"QUEUE_ASYNQ_MAX_RETRY" envDefault:"4"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Backend == "" {
		q.Backend = QueueBackendRedisStreams
	}
	if q.Consumer = strings.TrimSpace(q.Consumer); q.Consumer == "" {
		q.Consumer = defaultConsumerName()
	}
	if q.BatchSize < 1 {
		q.BatchSize = 1
	}
	if q.BatchSize > 1000 {
		q.BatchSize = 1000
	}
	if q.Block < 100*time.Millisecond {
		q.Block = 100 * time.Millisecond
	}
	if q.VisibilityTimeout < time.Second {
		q.VisibilityTimeout = time.Second
	}
	if q.MaxDeliveries < 1 {
		q.MaxDeliveries = 1
	}
	if q.AsynqMaxRetry < 0 {
		q.AsynqMaxRetry = 0
	}
}

// leaseMargin is the slack kept between the longest handler run and the point where
// another worker may take the job over.
const leaseMargin = time.Minute

// MinVisibilityTimeout is the shortest visibility timeout under which a message cannot
// be reclaimed while its handler may still run. A batch of batchSize messages runs
// concurrency at a time, so the last message can wait ceil(batchSize/concurrency)
// handler timeouts before it finishes. Zero means the handler time is unbounded.
func MinVisibilityTimeout(handlerTimeout time.Duration, batchSize, concurrency int) time.Duration {
	if handlerTimeout <= 0 {
		return 0
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	rounds := (batchSize + concurrency - 1) / concurrency
	return handlerTimeout*time.Duration(rounds) + leaseMargin
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// StaleRunningAfter fails running jobs with TIMED_OUT once they go this long without an update.
	// Zero disables the step.
	StaleRunningAfter time.Duration `env:"REAPER_STALE_RUNNING_AFTER" envDefault:"1h"`

	// StaleQueuedAfter republishes queued jobs that no worker claimed within this window.
	// Zero disables the step.
	StaleQueuedAfter time.Duration `env:"REAPER_STALE_QUEUED_AFTER" envDefault:"10m"`

	// BatchSize is the maximum number of jobs to process per query.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive store load
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.StaleRunningAfter < 0 {
		r.StaleRunningAfter = 0
	}
	if r.StaleRunningAfter > 0 && r.StaleRunningAfter < time.Minute {
		r.StaleRunningAfter = time.Minute
	}
	if r.StaleQueuedAfter < 0 {
		r.StaleQueuedAfter = 0
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
