package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lifebook/orchestrator/config"
	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
	"github.com/lifebook/orchestrator/internal/mocks"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
	"github.com/lifebook/orchestrator/internal/testutil"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:          time.Minute,
		StaleRunningAfter: 30 * time.Minute,
		StaleQueuedAfter:  10 * time.Minute,
		BatchSize:         2,
	}
}

type reaperFixture struct {
	clock     *core.FixedTimeProvider
	mem       *memStore
	logs      *memRunLog
	publisher *memPublisher
	metrics   *statsd.Recorder
	svc       *ReaperService
}

// newReaperFixture builds a reaper whose clock sits one hour after TestTime.
func newReaperFixture(t *testing.T, cfg config.ReaperConfig, recs ...*model.JobRecord) *reaperFixture {
	t.Helper()
	f := &reaperFixture{
		mem:       newMemStore(recs...),
		logs:      &memRunLog{},
		publisher: &memPublisher{},
		metrics:   &statsd.Recorder{},
	}
	var js *JobStore
	js, f.clock = newTestJobStore(t, f.mem)
	svc, err := NewReaperService(ReaperServiceOptions{
		Store:     js,
		Config:    cfg,
		Publisher: f.publisher,
		RunLog:    f.logs,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func updatedAgo(rec *model.JobRecord, ago time.Duration) *model.JobRecord {
	now := testutil.TestTime().Add(time.Hour)
	rec.UpdatedAt = now.Add(-ago)
	return rec
}

func TestNewReaperService(t *testing.T) {
	js, _ := newTestJobStore(t, newMemStore())

	tests := []struct {
		name    string
		opts    ReaperServiceOptions
		wantErr bool
	}{
		{name: "valid", opts: ReaperServiceOptions{Store: js, Config: testReaperConfig()}},
		{name: "missing store", opts: ReaperServiceOptions{Config: testReaperConfig()}, wantErr: true},
		{name: "zero interval", opts: ReaperServiceOptions{Store: js, Config: config.ReaperConfig{BatchSize: 1}}, wantErr: true},
		{name: "zero batch", opts: ReaperServiceOptions{Store: js, Config: config.ReaperConfig{Interval: time.Second}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewReaperService(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, svc)
		})
	}
}

func TestReaperService_SweepTimesOutStaleRunningJobs(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig(),
		updatedAgo(testutil.RunningJob("stale-1"), 45*time.Minute),
		updatedAgo(testutil.RunningJob("stale-2"), 50*time.Minute),
		updatedAgo(testutil.RunningJob("stale-3"), 55*time.Minute),
		updatedAgo(testutil.RunningJob("fresh"), 5*time.Minute),
	)

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.TimedOut)

	for _, id := range []string{"stale-1", "stale-2", "stale-3"} {
		rec := f.mem.snapshot(id)
		assert.Equal(t, model.JobStatusFailed, rec.Status, id)
		assert.Equal(t, model.ErrorCodeTimedOut, rec.ErrorCode, id)
		assert.Equal(t, "job made no progress for 30m0s", rec.ErrorMessage, id)
		assert.Equal(t, []string{model.RunLogStepTimeout}, f.logs.steps(id), id)
	}
	assert.Equal(t, model.JobStatusRunning, f.mem.snapshot("fresh").Status)

	processed := f.metrics.Find("reaper.jobs_processed")
	require.Len(t, processed, 1)
	assert.InDelta(t, 3, processed[0].Value, 0)
	require.Len(t, f.metrics.Find("reaper.last_success_epoch"), 1)
}

func TestReaperService_SweepSkipsJobsThatFinishedMeanwhile(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig(),
		updatedAgo(testutil.RunningJob("job-1"), 45*time.Minute),
	)
	f.mem.beforeUpdate = func(_ model.JobStatus, rec *model.JobRecord) {
		f.mem.beforeUpdate = nil
		done := rec.Clone()
		done.Status = model.JobStatusSucceeded
		f.mem.set(done)
	}

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TimedOut)
	assert.Equal(t, model.JobStatusSucceeded, f.mem.snapshot("job-1").Status)
	assert.Empty(t, f.logs.steps("job-1"))
}

func TestReaperService_SweepRepublishesStaleQueuedJobs(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig(),
		updatedAgo(testutil.QueuedJob("old-queued"), 20*time.Minute),
		updatedAgo(testutil.QueuedJob("new-queued"), time.Minute),
	)

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Republished)
	assert.Equal(t, []model.JobMessage{{JobID: "old-queued", WorkflowSlug: "sample_hello_world"}}, f.publisher.published())
	snap := f.mem.snapshot("old-queued")
	assert.Equal(t, model.JobStatusQueued, snap.Status)
	assert.Equal(t, f.clock.Now(), snap.UpdatedAt)
	assert.Equal(t, int64(1), f.mem.writes())
}

func TestReaperService_SweepRepublishesOncePerWindow(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig(),
		updatedAgo(testutil.QueuedJob("backlog-1"), 20*time.Minute),
		updatedAgo(testutil.QueuedJob("backlog-2"), 30*time.Minute),
	)

	first, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Republished)

	f.clock.AddTime(time.Minute)
	second, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Republished)
	assert.Len(t, f.publisher.published(), 2)

	f.clock.AddTime(10 * time.Minute)
	third, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), third.Republished)
	assert.Len(t, f.publisher.published(), 4)
}

func TestReaperService_SweepSkipsJobClaimedBeforeRepublish(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig(),
		updatedAgo(testutil.QueuedJob("old-queued"), 20*time.Minute),
	)
	f.mem.beforeUpdate = func(_ model.JobStatus, rec *model.JobRecord) {
		f.mem.beforeUpdate = nil
		claimed := rec.Clone()
		claimed.Status = model.JobStatusRunning
		f.mem.set(claimed)
	}

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Republished)
	assert.Empty(t, f.publisher.published())
	assert.Equal(t, model.JobStatusRunning, f.mem.snapshot("old-queued").Status)
}

func TestReaperService_SweepNoop(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig())

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)

	sweeps := f.metrics.Find("reaper.sweep")
	require.Len(t, sweeps, 1)
	assert.Equal(t, "noop", sweeps[0].Tags["result"])
}

func TestReaperService_SweepReportsPublishErrors(t *testing.T) {
	f := newReaperFixture(t, testReaperConfig(),
		updatedAgo(testutil.QueuedJob("old-queued"), 20*time.Minute),
		updatedAgo(testutil.RunningJob("stale"), 45*time.Minute),
	)
	f.publisher.err = errors.New("broker down")

	report, err := f.svc.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "republish stale queued jobs")
	// The timeout step still ran.
	assert.Equal(t, int64(1), report.TimedOut)

	sweeps := f.metrics.Find("reaper.sweep")
	require.Len(t, sweeps, 1)
	assert.Equal(t, "error", sweeps[0].Tags["result"])
}

func TestReaperService_SweepStorageUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockJobRecordStore(ctrl)
	store.EXPECT().ListByStatus(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("dial: %w", core.ErrStorageUnavailable)).Times(2)

	js, _ := newTestJobStore(t, store)
	svc, err := NewReaperService(ReaperServiceOptions{Store: js, Config: testReaperConfig(), Publisher: &memPublisher{}})
	require.NoError(t, err)

	_, err = svc.Sweep(context.Background())
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestReaperService_DisabledSteps(t *testing.T) {
	cfg := testReaperConfig()
	cfg.StaleRunningAfter = 0
	cfg.StaleQueuedAfter = 0
	f := newReaperFixture(t, cfg,
		updatedAgo(testutil.RunningJob("stale"), 45*time.Minute),
		updatedAgo(testutil.QueuedJob("old-queued"), 20*time.Minute),
	)

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
	assert.Empty(t, f.publisher.published())
}

func TestReaperService_Run(t *testing.T) {
	cfg := testReaperConfig()
	cfg.Interval = 10 * time.Millisecond
	f := newReaperFixture(t, cfg, updatedAgo(testutil.RunningJob("stale"), 45*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.mem.snapshot("stale").Status == model.JobStatusFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancellation")
	}
}
