package model

import "time"

// Run log steps emitted by the job lifecycle.
const (
	RunLogStepEnqueue  = "enqueue"
	RunLogStepStart    = "start"
	RunLogStepClaim    = "claim"
	RunLogStepResume   = "resume"
	RunLogStepComplete = "complete"
	RunLogStepFail     = "fail"
	RunLogStepCancel   = "cancel"
	RunLogStepTimeout  = "timeout"
	RunLogStepAnomaly  = "anomaly"
)

// RunLogEntry is an append-only, human-readable lifecycle event for a job.
// Empty StatusBefore/StatusAfter mean the entry carries no status information.
type RunLogEntry struct {
	JobID        string    `json:"jobId"                  db:"job_id"`
	Step         string    `json:"step"                   db:"step"`
	Message      string    `json:"message"                db:"message"`
	StatusBefore JobStatus `json:"statusBefore,omitempty" db:"status_before"`
	StatusAfter  JobStatus `json:"statusAfter,omitempty"  db:"status_after"`
	CreatedAt    time.Time `json:"createdAt"              db:"created_at"`
}
