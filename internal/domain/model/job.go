// Package model defines the core data types shared by the orchestrator's job lifecycle.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting for a worker to claim it.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker has claimed the job and is executing its handler.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the handler finished without error.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the handler (or the reaper) recorded a failure.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates an external actor cancelled the job.
	JobStatusCancelled JobStatus = "cancelled"
)

// Error codes recorded on failed jobs.
const (
	ErrorCodeWorker   = "WORKER_ERROR"
	ErrorCodeTimedOut = "TIMED_OUT"
)

// MaxErrorMessageLength bounds the persisted error message of a failed job.
const MaxErrorMessageLength = 1000

// AllJobStatuses lists every status in lifecycle order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusQueued,
		JobStatusRunning,
		JobStatusSucceeded,
		JobStatusFailed,
		JobStatusCancelled,
	}
}

// Valid returns true if the JobStatus is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for env and flag parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	*s = v
	return nil
}

// JobRecord is the single persisted row describing a job.
type JobRecord struct {
	JobID           string          `json:"jobId"                     db:"id"`
	Status          JobStatus       `json:"status"                    db:"status"`
	Attempt         int             `json:"attempt"                   db:"attempt"`
	Payload         json.RawMessage `json:"payload,omitempty"         db:"payload"`
	ErrorCode       string          `json:"errorCode,omitempty"       db:"error_code"`
	ErrorMessage    string          `json:"errorMessage,omitempty"    db:"error_message"`
	CancelledReason string          `json:"cancelledReason,omitempty" db:"cancelled_reason"`
	CreatedAt       time.Time       `json:"createdAt"                 db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt"                 db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate the result without aliasing the payload.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &cp
}

// ErrorDetails describes the failure recorded alongside a failed status.
type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TruncateErrorMessage shortens msg to MaxErrorMessageLength runes.
func TruncateErrorMessage(msg string) string {
	if len(msg) <= MaxErrorMessageLength {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLength {
		return msg
	}
	return string(runes[:MaxErrorMessageLength])
}

// JobPayload is the payload shape written by JobService.Enqueue.
// The lifecycle core treats payloads as opaque; only the workflow registry decodes them.
type JobPayload struct {
	WorkflowSlug string          `json:"workflowSlug"`
	Input        json.RawMessage `json:"input,omitempty"`
	TriggerType  string          `json:"triggerType,omitempty"`
}

// DecodeJobPayload parses a raw payload into a JobPayload.
func DecodeJobPayload(raw json.RawMessage) (JobPayload, error) {
	var p JobPayload
	if len(raw) == 0 {
		return p, errors.New("payload is empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode job payload: %w", err)
	}
	return p, nil
}

// CreateJobRequest represents a request to create and enqueue a new job.
type CreateJobRequest struct {
	WorkflowSlug    string          `json:"workflowSlug"`
	Input           json.RawMessage `json:"input,omitempty"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`
	TriggerType     string          `json:"triggerType,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.WorkflowSlug) == "" {
		return errors.New("workflow slug is required")
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return errors.New("input must be valid JSON")
	}
	return nil
}

// JobMessage is the canonical transport message referencing a job.
type JobMessage struct {
	JobID        string `json:"jobId"`
	WorkflowSlug string `json:"workflowSlug,omitempty"`
}
