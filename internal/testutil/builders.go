// Package testutil provides testing utilities and helpers for the orchestrator.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lifebook/orchestrator/internal/domain/model"
)

// JobRecordBuilder provides a fluent interface for building JobRecord fixtures.
type JobRecordBuilder struct {
	rec model.JobRecord
}

// NewJobRecord creates a queued record with a random id and a sample payload.
func NewJobRecord() *JobRecordBuilder {
	now := TestTime()
	return &JobRecordBuilder{
		rec: model.JobRecord{
			JobID:     uuid.NewString(),
			Status:    model.JobStatusQueued,
			Attempt:   0,
			Payload:   json.RawMessage(`{"workflowSlug":"sample_hello_world","input":{"name":"Ada"}}`),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// WithID sets the job id.
func (b *JobRecordBuilder) WithID(id string) *JobRecordBuilder {
	b.rec.JobID = id
	return b
}

// WithStatus sets the job status.
func (b *JobRecordBuilder) WithStatus(status model.JobStatus) *JobRecordBuilder {
	b.rec.Status = status
	return b
}

// WithAttempt sets the attempt counter.
func (b *JobRecordBuilder) WithAttempt(attempt int) *JobRecordBuilder {
	b.rec.Attempt = attempt
	return b
}

// WithPayloadString sets the payload from a string.
func (b *JobRecordBuilder) WithPayloadString(payload string) *JobRecordBuilder {
	b.rec.Payload = json.RawMessage(payload)
	return b
}

// WithError sets the failure details.
func (b *JobRecordBuilder) WithError(code, message string) *JobRecordBuilder {
	b.rec.ErrorCode = code
	b.rec.ErrorMessage = message
	return b
}

// WithTimes sets both createdAt and updatedAt.
func (b *JobRecordBuilder) WithTimes(created, updated time.Time) *JobRecordBuilder {
	b.rec.CreatedAt = created
	b.rec.UpdatedAt = updated
	return b
}

// Build returns a copy of the record.
func (b *JobRecordBuilder) Build() *model.JobRecord {
	return b.rec.Clone()
}

// QueuedJob returns a queued record with the given id.
func QueuedJob(id string) *model.JobRecord {
	return NewJobRecord().WithID(id).Build()
}

// RunningJob returns a running record on its first attempt.
func RunningJob(id string) *model.JobRecord {
	return NewJobRecord().WithID(id).WithStatus(model.JobStatusRunning).WithAttempt(1).Build()
}

// SucceededJob returns a succeeded record on its first attempt.
func SucceededJob(id string) *model.JobRecord {
	return NewJobRecord().WithID(id).WithStatus(model.JobStatusSucceeded).WithAttempt(1).Build()
}
