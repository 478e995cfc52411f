package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lifebook/orchestrator/internal/core"
	domainjob "github.com/lifebook/orchestrator/internal/domain/job"
	"github.com/lifebook/orchestrator/internal/domain/model"
	apperrors "github.com/lifebook/orchestrator/internal/errors"
	"github.com/lifebook/orchestrator/internal/mocks"
	"github.com/lifebook/orchestrator/internal/testutil"
)

func newTestJobStore(t *testing.T, store core.JobRecordStore) (*JobStore, *core.FixedTimeProvider) {
	t.Helper()
	clock := core.NewFixedTimeProvider(testutil.TestTime().Add(time.Hour))
	js, err := NewJobStore(JobStoreOptions{Store: store, TimeProvider: clock})
	require.NoError(t, err)
	return js, clock
}

func TestNewJobStore_RequiresStore(t *testing.T) {
	_, err := NewJobStore(JobStoreOptions{})
	require.Error(t, err)
}

func TestJobStore_GetJob(t *testing.T) {
	ctx := context.Background()
	js, _ := newTestJobStore(t, newMemStore(testutil.QueuedJob("job-1")))

	rec, err := js.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.JobStatusQueued, rec.Status)

	rec, err = js.GetJob(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestJobStore_GetJobPropagatesStorageUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockJobRecordStore(ctrl)
	down := fmt.Errorf("dial: %w", core.ErrStorageUnavailable)
	store.EXPECT().Get(gomock.Any(), "job-1").Return(nil, down)

	js, _ := newTestJobStore(t, store)
	_, err := js.GetJob(context.Background(), "job-1")
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestJobStore_PutNewJob(t *testing.T) {
	ctx := context.Background()
	mem := newMemStore()
	js, _ := newTestJobStore(t, mem)

	require.NoError(t, js.PutNewJob(ctx, testutil.QueuedJob("job-1")))
	err := js.PutNewJob(ctx, testutil.QueuedJob("job-1"))
	require.ErrorIs(t, err, core.ErrJobAlreadyExists)

	err = js.PutNewJob(ctx, testutil.NewJobRecord().WithStatus("paused").Build())
	assert.True(t, apperrors.IsValidation(err))

	err = js.PutNewJob(ctx, testutil.NewJobRecord().WithAttempt(-1).Build())
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, int64(1), mem.writes())
}

func TestJobStore_UpdateJobStatus_Applied(t *testing.T) {
	ctx := context.Background()
	mem := newMemStore(testutil.QueuedJob("job-1"))
	js, clock := newTestJobStore(t, mem)

	res, err := js.UpdateJobStatus(ctx, UpdateStatusParams{
		JobID:          "job-1",
		ExpectedStatus: model.JobStatusQueued,
		NextStatus:     model.JobStatusRunning,
	})
	require.NoError(t, err)
	require.Equal(t, domainjob.TransitionApplied, res.Kind)
	assert.Equal(t, model.JobStatusRunning, res.Record.Status)
	assert.Equal(t, 1, res.Record.Attempt)
	assert.True(t, clock.Now().Equal(res.Record.UpdatedAt))
	require.NoError(t, res.Err())

	stored := mem.snapshot("job-1")
	assert.Equal(t, model.JobStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
}

func TestJobStore_UpdateJobStatus_RecordsAndTruncatesErrorDetails(t *testing.T) {
	ctx := context.Background()
	mem := newMemStore(testutil.RunningJob("job-1"))
	js, _ := newTestJobStore(t, mem)

	long := strings.Repeat("x", model.MaxErrorMessageLength+50)
	res, err := js.UpdateJobStatus(ctx, UpdateStatusParams{
		JobID:          "job-1",
		ExpectedStatus: model.JobStatusRunning,
		NextStatus:     model.JobStatusFailed,
		ErrorDetails:   &model.ErrorDetails{Code: model.ErrorCodeWorker, Message: long},
	})
	require.NoError(t, err)
	require.Equal(t, domainjob.TransitionApplied, res.Kind)
	assert.Equal(t, model.ErrorCodeWorker, res.Record.ErrorCode)
	assert.Len(t, res.Record.ErrorMessage, model.MaxErrorMessageLength)
}

func TestJobStore_UpdateJobStatus_CancelReason(t *testing.T) {
	ctx := context.Background()
	mem := newMemStore(testutil.QueuedJob("job-1"))
	js, _ := newTestJobStore(t, mem)

	res, err := js.UpdateJobStatus(ctx, UpdateStatusParams{
		JobID:        "job-1",
		NextStatus:   model.JobStatusCancelled,
		CancelReason: "operator request",
	})
	require.NoError(t, err)
	assert.Equal(t, "operator request", mem.snapshot("job-1").CancelledReason)
	assert.Empty(t, res.Record.ErrorCode)
}

func TestJobStore_UpdateJobStatus_ExpectedMismatchWritesNothing(t *testing.T) {
	tests := []struct {
		name     string
		current  model.JobStatus
		expected model.JobStatus
		want     domainjob.Classification
		kind     domainjob.TransitionKind
	}{
		{"concurrent claim", model.JobStatusRunning, model.JobStatusQueued, domainjob.ClassConcurrentClaim, domainjob.TransitionRecovered},
		{"already completed", model.JobStatusSucceeded, model.JobStatusRunning, domainjob.ClassAlreadyCompleted, domainjob.TransitionRecovered},
		{"cancelled while running", model.JobStatusCancelled, model.JobStatusRunning, domainjob.ClassUnexpectedTerminal, domainjob.TransitionAnomaly},
		{"still queued", model.JobStatusQueued, model.JobStatusRunning, domainjob.ClassUnexpectedNonterminal, domainjob.TransitionAnomaly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemStore(testutil.NewJobRecord().WithID("job-1").WithStatus(tt.current).Build())
			js, _ := newTestJobStore(t, mem)

			res, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
				JobID:          "job-1",
				ExpectedStatus: tt.expected,
				NextStatus:     model.JobStatusSucceeded,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.want, res.Classification())
			assert.Equal(t, tt.expected, res.Failure.Expected)
			assert.Equal(t, tt.current, res.Failure.Found)
			assert.Zero(t, mem.writes())

			if tt.kind == domainjob.TransitionAnomaly {
				require.ErrorIs(t, res.Err(), domainjob.ErrStatusPrecondition)
			} else {
				require.NoError(t, res.Err())
			}
		})
	}
}

func TestJobStore_UpdateJobStatus_NotFound(t *testing.T) {
	js, _ := newTestJobStore(t, newMemStore())
	_, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
		JobID:      "ghost",
		NextStatus: model.JobStatusRunning,
	})
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestJobStore_UpdateJobStatus_IllegalTransition(t *testing.T) {
	mem := newMemStore(testutil.SucceededJob("job-1"))
	js, _ := newTestJobStore(t, mem)

	_, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
		JobID:      "job-1",
		NextStatus: model.JobStatusRunning,
	})
	require.ErrorIs(t, err, domainjob.ErrIllegalTransition)
	assert.Zero(t, mem.writes())
}

func TestJobStore_UpdateJobStatus_LostStorageRace(t *testing.T) {
	mem := newMemStore(testutil.QueuedJob("job-1"))
	// Another worker claims the job between our read and our write.
	mem.beforeUpdate = func(model.JobStatus, *model.JobRecord) {
		mem.beforeUpdate = nil
		mem.set(testutil.RunningJob("job-1"))
	}
	js, _ := newTestJobStore(t, mem)

	res, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
		JobID:          "job-1",
		ExpectedStatus: model.JobStatusQueued,
		NextStatus:     model.JobStatusRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, domainjob.TransitionRecovered, res.Kind)
	assert.Equal(t, domainjob.ClassConcurrentClaim, res.Classification())
	assert.Equal(t, model.JobStatusRunning, res.Failure.Found)
}

func TestJobStore_UpdateJobStatus_LostRaceWithoutExpectedUsesReadStatus(t *testing.T) {
	mem := newMemStore(testutil.RunningJob("job-1"))
	mem.beforeUpdate = func(model.JobStatus, *model.JobRecord) {
		mem.beforeUpdate = nil
		mem.set(testutil.SucceededJob("job-1"))
	}
	js, _ := newTestJobStore(t, mem)

	res, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
		JobID:        "job-1",
		NextStatus:   model.JobStatusCancelled,
		CancelReason: "stop",
	})
	require.NoError(t, err)
	assert.Equal(t, domainjob.ClassAlreadyCompleted, res.Classification())
	assert.Equal(t, model.JobStatusRunning, res.Failure.Expected)
}

func TestJobStore_UpdateJobStatus_RecordDeletedDuringWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockJobRecordStore(ctrl)
	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), "job-1").Return(testutil.QueuedJob("job-1"), nil),
		store.EXPECT().UpdateIfStatusEquals(gomock.Any(), model.JobStatusQueued, gomock.Any()).
			Return(fmt.Errorf("cas: %w", core.ErrConditionFailed)),
		store.EXPECT().Get(gomock.Any(), "job-1").Return(nil, fmt.Errorf("gone: %w", core.ErrJobNotFound)),
	)
	js, _ := newTestJobStore(t, store)

	res, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
		JobID:          "job-1",
		ExpectedStatus: model.JobStatusQueued,
		NextStatus:     model.JobStatusRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, domainjob.TransitionAnomaly, res.Kind)
	assert.Equal(t, domainjob.ClassMissing, res.Classification())
	assert.Empty(t, res.Failure.Found)
}

func TestJobStore_UpdateJobStatus_StorageUnavailableOnWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockJobRecordStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "job-1").Return(testutil.QueuedJob("job-1"), nil)
	store.EXPECT().UpdateIfStatusEquals(gomock.Any(), model.JobStatusQueued, gomock.Any()).
		Return(fmt.Errorf("write: %w", core.ErrStorageUnavailable))
	js, _ := newTestJobStore(t, store)

	_, err := js.UpdateJobStatus(context.Background(), UpdateStatusParams{
		JobID:          "job-1",
		ExpectedStatus: model.JobStatusQueued,
		NextStatus:     model.JobStatusRunning,
	})
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, domainjob.ErrStatusPrecondition))
}

func TestJobStore_ListStale(t *testing.T) {
	base := testutil.TestTime()
	old := testutil.NewJobRecord().WithID("old").WithStatus(model.JobStatusRunning).
		WithTimes(base, base).Build()
	fresh := testutil.NewJobRecord().WithID("fresh").WithStatus(model.JobStatusRunning).
		WithTimes(base, base.Add(59*time.Minute)).Build()
	js, _ := newTestJobStore(t, newMemStore(old, fresh))

	recs, err := js.ListStale(context.Background(), model.JobStatusRunning, 30*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "old", recs[0].JobID)
}

func TestJobStore_TouchQueued(t *testing.T) {
	mem := newMemStore(testutil.QueuedJob("queued"), testutil.RunningJob("running"))
	js, clock := newTestJobStore(t, mem)
	ctx := context.Background()

	ok, err := js.TouchQueued(ctx, "queued")
	require.NoError(t, err)
	assert.True(t, ok)
	snap := mem.snapshot("queued")
	assert.Equal(t, model.JobStatusQueued, snap.Status)
	assert.Equal(t, clock.Now(), snap.UpdatedAt)

	ok, err = js.TouchQueued(ctx, "running")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = js.TouchQueued(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), mem.writes())
}

func TestJobStore_TouchQueuedStorageUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockJobRecordStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "job-1").Return(testutil.QueuedJob("job-1"), nil)
	store.EXPECT().UpdateIfStatusEquals(gomock.Any(), model.JobStatusQueued, gomock.Any()).
		Return(fmt.Errorf("write: %w", core.ErrStorageUnavailable))
	js, _ := newTestJobStore(t, store)

	_, err := js.TouchQueued(context.Background(), "job-1")
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
}
