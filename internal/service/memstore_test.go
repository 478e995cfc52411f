package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

// memStore is an in-memory JobRecordStore with write counters and test hooks.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*model.JobRecord

	puts    atomic.Int64
	updates atomic.Int64

	// afterGet runs after every Get, outside the lock.
	afterGet func(jobID string, rec *model.JobRecord)
	// beforeUpdate runs before every UpdateIfStatusEquals, outside the lock.
	beforeUpdate func(expected model.JobStatus, rec *model.JobRecord)
}

var _ core.JobRecordStore = (*memStore)(nil)

func newMemStore(recs ...*model.JobRecord) *memStore {
	s := &memStore{jobs: make(map[string]*model.JobRecord)}
	for _, r := range recs {
		s.jobs[r.JobID] = r.Clone()
	}
	return s
}

func (s *memStore) Get(_ context.Context, jobID string) (*model.JobRecord, error) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if ok {
		rec = rec.Clone()
	}
	s.mu.Unlock()

	if s.afterGet != nil {
		s.afterGet(jobID, rec)
	}
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	return rec, nil
}

func (s *memStore) PutIfAbsent(_ context.Context, rec *model.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.JobID]; ok {
		return fmt.Errorf("job %s: %w", rec.JobID, core.ErrJobAlreadyExists)
	}
	s.puts.Add(1)
	s.jobs[rec.JobID] = rec.Clone()
	return nil
}

func (s *memStore) UpdateIfStatusEquals(_ context.Context, expected model.JobStatus, rec *model.JobRecord) error {
	if s.beforeUpdate != nil {
		s.beforeUpdate(expected, rec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[rec.JobID]
	if !ok || cur.Status != expected {
		return fmt.Errorf("job %s: %w", rec.JobID, core.ErrConditionFailed)
	}
	s.updates.Add(1)
	s.jobs[rec.JobID] = rec.Clone()
	return nil
}

func (s *memStore) ListByStatus(_ context.Context, params core.ListByStatusParams) ([]*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.JobRecord
	for _, rec := range s.jobs {
		if rec.Status == params.Status && rec.UpdatedAt.Before(params.UpdatedBefore) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// set overwrites a record without counting it as a write.
func (s *memStore) set(rec *model.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.JobID] = rec.Clone()
}

func (s *memStore) snapshot(jobID string) *model.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok {
		return rec.Clone()
	}
	return nil
}

func (s *memStore) writes() int64 {
	return s.puts.Load() + s.updates.Load()
}

// memRunLog records run log entries.
type memRunLog struct {
	mu      sync.Mutex
	entries []model.RunLogEntry
	err     error
}

func (l *memRunLog) Append(_ context.Context, e model.RunLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memRunLog) ListByJob(_ context.Context, jobID string, limit int) ([]model.RunLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.RunLogEntry
	for _, e := range l.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memRunLog) steps(jobID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.JobID == jobID {
			out = append(out, e.Step)
		}
	}
	return out
}

// memPublisher records published messages.
type memPublisher struct {
	mu   sync.Mutex
	msgs []model.JobMessage
	err  error
}

func (p *memPublisher) Publish(_ context.Context, msg model.JobMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.msgs = append(p.msgs, msg)
	return fmt.Sprintf("msg-%d", len(p.msgs)), nil
}

func (p *memPublisher) published() []model.JobMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.JobMessage(nil), p.msgs...)
}
