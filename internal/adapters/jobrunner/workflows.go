package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

// SampleWorkflowSlug is the built-in workflow registered by NewRegistry.
const SampleWorkflowSlug = "sample_hello_world"

// WorkflowFunc executes one workflow for a running job.
type WorkflowFunc func(ctx context.Context, job *model.JobRecord, input json.RawMessage) error

// Registry maps workflow slugs to their implementations.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
	logger    *slog.Logger
}

// NewRegistry returns a registry holding the built-in sample workflow.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		workflows: make(map[string]WorkflowFunc),
		logger:    resolveLogger(logger).With("component", "workflow_registry"),
	}
	r.workflows[SampleWorkflowSlug] = r.helloWorld
	return r
}

// Register adds or replaces the workflow for slug.
func (r *Registry) Register(slug string, fn WorkflowFunc) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errors.New("workflow slug is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: implementation is required", slug)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[slug] = fn
	return nil
}

// Has reports whether slug is registered.
func (r *Registry) Has(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[strings.TrimSpace(slug)]
	return ok
}

// Slugs lists registered workflows in lexical order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for slug := range r.workflows {
		out = append(out, slug)
	}
	slices.Sort(out)
	return out
}

// Handler dispatches a running job to the workflow named in its payload.
func (r *Registry) Handler() core.JobHandler {
	return func(ctx context.Context, job *model.JobRecord) error {
		payload, err := model.DecodeJobPayload(job.Payload)
		if err != nil {
			return err
		}
		r.mu.RLock()
		fn, ok := r.workflows[payload.WorkflowSlug]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown workflow %q", payload.WorkflowSlug)
		}
		return fn(ctx, job, payload.Input)
	}
}

func (r *Registry) helloWorld(ctx context.Context, job *model.JobRecord, input json.RawMessage) error {
	var in struct {
		Name string `json:"name"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Errorf("decode hello world input: %w", err)
		}
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = "world"
	}
	r.logger.InfoContext(ctx, "hello, "+in.Name, "job_id", job.JobID, "attempt", job.Attempt)
	return nil
}
