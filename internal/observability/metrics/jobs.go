package metrics

import (
	"maps"
	"time"

	obserrors "github.com/lifebook/orchestrator/internal/observability/errors"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Workflow   string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"workflow":   in.Workflow,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Workflow == "" {
		tags["workflow"] = "unknown"
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// BatchMetric summarises one worker batch.
type BatchMetric struct {
	Transport string
	Size      int
	Failed    int
	Duration  time.Duration
}

// EmitWorkerBatch emits per-batch counters for the worker entry point.
func EmitWorkerBatch(sink statsd.Sink, in BatchMetric) {
	if sink == nil || in.Size == 0 {
		return
	}

	result := ResultSuccess
	if in.Failed > 0 {
		result = ResultError
	}
	tags := map[string]string{
		"transport": in.Transport,
		"result":    result,
	}

	sink.Count("worker.batch", 1, tags)
	sink.Count("worker.messages", int64(in.Size), CloneTags(tags))
	if in.Failed > 0 {
		sink.Count("worker.messages_failed", int64(in.Failed), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing("worker.batch_duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
