package job

import (
	"errors"
	"fmt"

	"github.com/lifebook/orchestrator/internal/domain/model"
)

// Classification names why a conditional status write lost.
type Classification string

const (
	// ClassMissing means no record exists for the job.
	ClassMissing Classification = "missing"
	// ClassConcurrentClaim means another worker moved the job from queued to running first.
	ClassConcurrentClaim Classification = "concurrent-claim"
	// ClassAlreadyCompleted means the job already succeeded.
	ClassAlreadyCompleted Classification = "already-completed"
	// ClassUnexpectedTerminal means the job reached a terminal status not covered above.
	ClassUnexpectedTerminal Classification = "unexpected-terminal"
	// ClassUnexpectedNonterminal means the job is in some other non-terminal status.
	ClassUnexpectedNonterminal Classification = "unexpected-nonterminal"
)

// Benign reports whether the loser of the race can drop its work silently.
func (c Classification) Benign() bool {
	return c == ClassConcurrentClaim || c == ClassAlreadyCompleted
}

// ClassifyPreconditionFailure explains a mismatch between the status a caller
// expected and the status actually found. An empty found status means the record is missing.
func ClassifyPreconditionFailure(expected, found model.JobStatus) Classification {
	switch {
	case found == "":
		return ClassMissing
	case expected == model.JobStatusQueued && found == model.JobStatusRunning:
		return ClassConcurrentClaim
	case (expected == model.JobStatusQueued || expected == model.JobStatusRunning) &&
		found == model.JobStatusSucceeded:
		return ClassAlreadyCompleted
	case IsTerminal(found):
		return ClassUnexpectedTerminal
	default:
		return ClassUnexpectedNonterminal
	}
}

// ErrStatusPrecondition is matched by every PreconditionError.
var ErrStatusPrecondition = errors.New("status precondition failed")

// PreconditionError carries the classification of a lost conditional write.
type PreconditionError struct {
	JobID          string
	Expected       model.JobStatus
	Found          model.JobStatus
	Classification Classification
}

// NewPreconditionError classifies the expected/found pair for jobID.
func NewPreconditionError(jobID string, expected, found model.JobStatus) *PreconditionError {
	return &PreconditionError{
		JobID:          jobID,
		Expected:       expected,
		Found:          found,
		Classification: ClassifyPreconditionFailure(expected, found),
	}
}

func (e *PreconditionError) Error() string {
	found := string(e.Found)
	if found == "" {
		found = "<missing>"
	}
	return fmt.Sprintf("job %s: status precondition failed: expected %s, found %s (%s)",
		e.JobID, e.Expected, found, e.Classification)
}

// Is makes errors.Is(err, ErrStatusPrecondition) succeed.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrStatusPrecondition
}
