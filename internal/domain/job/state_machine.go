// Package job holds the pure job lifecycle rules: the status transition table,
// record transitions, and classification of lost conditional writes.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/lifebook/orchestrator/internal/domain/model"
)

// ErrIllegalTransition is matched by every IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal status transition")

// IllegalTransitionError reports an edge that is not in the transition table.
type IllegalTransitionError struct {
	From model.JobStatus
	To   model.JobStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) succeed.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusQueued:    {model.JobStatusRunning, model.JobStatusCancelled},
	model.JobStatusRunning:   {model.JobStatusSucceeded, model.JobStatusFailed, model.JobStatusCancelled},
	model.JobStatusSucceeded: nil,
	model.JobStatusFailed:    nil,
	model.JobStatusCancelled: nil,
}

// IsTerminal reports whether no further transitions leave s.
func IsTerminal(s model.JobStatus) bool {
	switch s {
	case model.JobStatusSucceeded, model.JobStatusFailed, model.JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record in status from may be written with status to.
// Writing the current status again is always allowed.
func CanTransition(from, to model.JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyStatusTransition returns a copy of rec moved to next at time now.
//
// The attempt counter increments only when entering running from another status.
// Error fields are cleared unless next is failed and the cancel reason is cleared
// unless next is cancelled; callers fill them in afterwards.
func ApplyStatusTransition(rec model.JobRecord, next model.JobStatus, now time.Time) (model.JobRecord, error) {
	if !CanTransition(rec.Status, next) {
		return rec, &IllegalTransitionError{From: rec.Status, To: next}
	}

	out := *rec.Clone()
	if next == model.JobStatusRunning && rec.Status != model.JobStatusRunning {
		out.Attempt++
	}
	out.Status = next
	out.UpdatedAt = now
	if next != model.JobStatusFailed {
		out.ErrorCode = ""
		out.ErrorMessage = ""
	}
	if next != model.JobStatusCancelled {
		out.CancelledReason = ""
	}
	return out, nil
}
