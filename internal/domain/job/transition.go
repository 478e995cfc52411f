package job

import "github.com/lifebook/orchestrator/internal/domain/model"

// TransitionKind tags the variant held by a TransitionResult.
type TransitionKind int

const (
	// TransitionApplied means the new record was persisted.
	TransitionApplied TransitionKind = iota + 1
	// TransitionRecovered means the write lost a benign race and nothing was persisted.
	TransitionRecovered
	// TransitionAnomaly means the write lost in a way that needs attention.
	TransitionAnomaly
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionApplied:
		return "applied"
	case TransitionRecovered:
		return "recovered"
	case TransitionAnomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

// TransitionResult is the outcome of a conditional status update.
// Exactly one of Record (Applied) or Failure (Recovered, Anomaly) is set.
type TransitionResult struct {
	Kind    TransitionKind
	Record  *model.JobRecord
	Failure *PreconditionError
}

// Applied wraps a persisted record.
func Applied(rec *model.JobRecord) TransitionResult {
	return TransitionResult{Kind: TransitionApplied, Record: rec}
}

// Rejected wraps a precondition failure as Recovered or Anomaly depending on its classification.
func Rejected(failure *PreconditionError) TransitionResult {
	kind := TransitionAnomaly
	if failure.Classification.Benign() {
		kind = TransitionRecovered
	}
	return TransitionResult{Kind: kind, Failure: failure}
}

// Classification returns the failure classification, or "" when the transition applied.
func (r TransitionResult) Classification() Classification {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Classification
}

// Err returns the precondition failure for anomalies and nil otherwise.
func (r TransitionResult) Err() error {
	if r.Kind == TransitionAnomaly && r.Failure != nil {
		return r.Failure
	}
	return nil
}
