package core

import (
	"context"
	"time"

	"github.com/lifebook/orchestrator/internal/domain/model"
)

// This file contains the port definitions between the lifecycle services and the
// storage/transport adapters. Services depend on these interfaces, not on
// concrete implementations.

// JobRecordStore is durable storage holding one record per job.
//
// Implementations must make PutIfAbsent and UpdateIfStatusEquals atomic at the
// storage layer. Get returns an error wrapping ErrJobNotFound when no record exists.
// Transport failures are reported wrapping ErrStorageUnavailable.
type JobRecordStore interface {
	Get(ctx context.Context, jobID string) (*model.JobRecord, error)
	// PutIfAbsent inserts rec, failing with ErrJobAlreadyExists when the id is taken.
	PutIfAbsent(ctx context.Context, rec *model.JobRecord) error
	// UpdateIfStatusEquals replaces the record identified by rec.JobID only while its
	// persisted status still equals expected. It fails with ErrConditionFailed otherwise
	// (including when the record has disappeared).
	UpdateIfStatusEquals(ctx context.Context, expected model.JobStatus, rec *model.JobRecord) error
	// ListByStatus returns up to limit records in status whose updatedAt is before cutoff,
	// oldest first.
	ListByStatus(ctx context.Context, params ListByStatusParams) ([]*model.JobRecord, error)
}

// ListByStatusParams groups parameters for JobRecordStore.ListByStatus.
type ListByStatusParams struct {
	Status        model.JobStatus
	UpdatedBefore time.Time
	Limit         int
}

// RunLogSink is the append-only destination for run log entries.
type RunLogSink interface {
	Append(ctx context.Context, entry model.RunLogEntry) error
}

// RunLogReader lists run log entries for a job, newest first.
type RunLogReader interface {
	ListByJob(ctx context.Context, jobID string, limit int) ([]model.RunLogEntry, error)
}

// RunLogRepository combines the write and read sides of a run log backend.
type RunLogRepository interface {
	RunLogSink
	RunLogReader
}

// JobHandler executes the business logic of a running job. Returning an error
// (or panicking) marks the job failed.
type JobHandler func(ctx context.Context, job *model.JobRecord) error

// Message is a single delivery from the job message transport.
type Message struct {
	// ID identifies this delivery for acknowledgement.
	ID string
	// Body is the raw message text.
	Body []byte
	// DeliveryCount is how many times the transport has handed this message out, when known.
	DeliveryCount int
}

// MessagePublisher places job messages on the transport.
type MessagePublisher interface {
	Publish(ctx context.Context, msg model.JobMessage) (string, error)
}

// MessageConsumer pulls batches of messages with at-least-once semantics.
type MessageConsumer interface {
	// Receive blocks for at most the transport's configured wait and returns up to max messages.
	// An empty batch with a nil error means nothing was available.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack removes successfully processed messages. Unacknowledged messages are redelivered.
	Ack(ctx context.Context, ids ...string) error
}
