package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/data"
	"github.com/lifebook/orchestrator/internal/domain/model"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
	"github.com/lifebook/orchestrator/internal/service"
	"github.com/lifebook/orchestrator/internal/testutil"
)

type workerFixture struct {
	store   *data.RedisJobRepo
	metrics *statsd.Recorder
	worker  *Worker
}

func newWorkerFixture(t *testing.T, handler core.JobHandler, consumer core.MessageConsumer) *workerFixture {
	t.Helper()
	return newWorkerFixtureWithRunner(t, handler, consumer, service.JobRunnerOptions{})
}

func newWorkerFixtureWithRunner(
	t *testing.T,
	handler core.JobHandler,
	consumer core.MessageConsumer,
	runnerOpts service.JobRunnerOptions,
) *workerFixture {
	t.Helper()
	_, client := testutil.SetupMiniRedis(t)
	store := data.NewRedisJobRepo(client, data.RedisRepoConfig{KeyPrefix: "test"})
	runnerOpts.Store = service.MustNewJobStore(service.JobStoreOptions{Store: store})
	runnerOpts.RunLog = data.NewRedisRunLogRepo(client, data.RedisRepoConfig{KeyPrefix: "test"})
	runner := service.MustNewJobRunner(runnerOpts)
	rec := &statsd.Recorder{}
	w, err := NewWorker(WorkerOptions{
		Runner:      runner,
		Handler:     handler,
		Consumer:    consumer,
		Metrics:     rec,
		Concurrency: 3,
		BatchSize:   5,
		Transport:   "test",
	})
	require.NoError(t, err)
	return &workerFixture{store: store, metrics: rec, worker: w}
}

func (f *workerFixture) seed(t *testing.T, recs ...*model.JobRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, f.store.PutIfAbsent(context.Background(), rec))
	}
}

func (f *workerFixture) status(t *testing.T, jobID string) model.JobStatus {
	t.Helper()
	rec, err := f.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec.Status
}

func jobMessage(id, jobID string) core.Message {
	return core.Message{ID: id, Body: []byte(fmt.Sprintf(`{"jobId":%q}`, jobID))}
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(WorkerOptions{})
	require.Error(t, err)

	js := service.MustNewJobStore(service.JobStoreOptions{Store: data.NewRedisJobRepo(nil, data.RedisRepoConfig{})})
	_, err = NewWorker(WorkerOptions{Runner: service.MustNewJobRunner(service.JobRunnerOptions{Store: js})})
	require.Error(t, err)
}

func TestWorker_ProcessBatchIsolatesMalformedMessage(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *model.JobRecord) error { return nil }, nil)
	f.seed(t,
		testutil.QueuedJob("job-1"),
		testutil.QueuedJob("job-2"),
		testutil.QueuedJob("job-4"),
		testutil.QueuedJob("job-5"),
	)

	msgs := []core.Message{
		jobMessage("m1", "job-1"),
		jobMessage("m2", "job-2"),
		{ID: "m3", Body: []byte(`{"job_id":"job-3"}`)},
		jobMessage("m4", "job-4"),
		jobMessage("m5", "job-5"),
	}

	result, err := f.worker.ProcessBatch(context.Background(), msgs)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMalformedMessage)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, []string{"m3"}, batchErr.FailedMessageIDs())
	assert.Equal(t, 5, batchErr.Total)
	assert.Contains(t, err.Error(), "1 of 5 messages failed")
	assert.Contains(t, err.Error(), "message m3")

	assert.Equal(t, []string{"m1", "m2", "m4", "m5"}, result.Succeeded)
	for _, id := range []string{"job-1", "job-2", "job-4", "job-5"} {
		assert.Equal(t, model.JobStatusSucceeded, f.status(t, id), id)
	}
	assert.Equal(t, service.OutcomeCompleted, result.Outcomes["m4"])

	batches := f.metrics.Find("worker.batch")
	require.Len(t, batches, 1)
	assert.Equal(t, "error", batches[0].Tags["result"])
	assert.Equal(t, "test", batches[0].Tags["transport"])
}

func TestWorker_ProcessBatchReportsHandlerAndLookupFailures(t *testing.T) {
	boom := errors.New("boom")
	f := newWorkerFixture(t, func(_ context.Context, job *model.JobRecord) error {
		if job.JobID == "job-bad" {
			return boom
		}
		return nil
	}, nil)
	f.seed(t, testutil.QueuedJob("job-ok"), testutil.QueuedJob("job-bad"), testutil.SucceededJob("job-done"))

	result, err := f.worker.ProcessBatch(context.Background(), []core.Message{
		jobMessage("m1", "job-ok"),
		jobMessage("m2", "job-bad"),
		jobMessage("m3", "job-missing"),
		jobMessage("m4", "job-done"),
	})

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Len(t, batchErr.Failures, 2)
	assert.Equal(t, MessageFailure{MessageID: "m2", JobID: "job-bad", Err: boom}, batchErr.Failures[0])
	assert.Equal(t, "job-missing", batchErr.Failures[1].JobID)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, core.ErrJobNotFound)

	assert.Equal(t, []string{"m1", "m4"}, result.Succeeded)
	assert.Equal(t, service.OutcomeNoopTerminal, result.Outcomes["m4"])

	rec, getErr := f.store.Get(context.Background(), "job-bad")
	require.NoError(t, getErr)
	assert.Equal(t, model.JobStatusFailed, rec.Status)
	assert.Equal(t, model.ErrorCodeWorker, rec.ErrorCode)
	assert.Equal(t, "boom", rec.ErrorMessage)
}

func TestWorker_ProcessBatchDuplicateDeliveries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	// The resume window keeps deliveries that see the job running away from its owner.
	f := newWorkerFixtureWithRunner(t, func(context.Context, *model.JobRecord) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	}, nil, service.JobRunnerOptions{ResumeAfter: time.Hour})
	f.seed(t, testutil.QueuedJob("job-1"))

	result, err := f.worker.ProcessBatch(context.Background(), []core.Message{
		jobMessage("m1", "job-1"),
		jobMessage("m2", "job-1"),
		jobMessage("m3", "job-1"),
	})
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 3)
	assert.Equal(t, model.JobStatusSucceeded, f.status(t, "job-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestWorker_ProcessBatchEmpty(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *model.JobRecord) error { return nil }, nil)

	result, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	assert.Empty(t, f.metrics.Samples())
}

func TestWorker_HandleMessage(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *model.JobRecord) error { return nil }, nil)
	f.seed(t, testutil.QueuedJob("job-1"))

	outcome, err := f.worker.HandleMessage(context.Background(), jobMessage("m1", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeCompleted, outcome)

	_, err = f.worker.HandleMessage(context.Background(), core.Message{ID: "m2", Body: []byte(`nope`)})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

// fakeConsumer hands out queued batches once and records acknowledgements.
type fakeConsumer struct {
	mu      sync.Mutex
	batches [][]core.Message
	acked   []string
	errs    []error
	drained chan struct{}
}

func newFakeConsumer(batches ...[]core.Message) *fakeConsumer {
	return &fakeConsumer{batches: batches, drained: make(chan struct{})}
}

func (c *fakeConsumer) Receive(ctx context.Context, _ int) ([]core.Message, error) {
	c.mu.Lock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		c.mu.Unlock()
		return nil, err
	}
	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	select {
	case <-c.drained:
	default:
		close(c.drained)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (c *fakeConsumer) Ack(_ context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, ids...)
	return nil
}

func (c *fakeConsumer) ackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acked...)
}

func TestWorker_RunAcknowledgesSuccessfulMessages(t *testing.T) {
	consumer := newFakeConsumer(
		[]core.Message{jobMessage("m1", "job-1"), {ID: "m2", Body: []byte(`{}`)}},
		[]core.Message{jobMessage("m3", "job-2"), jobMessage("m4", "job-missing")},
	)
	consumer.errs = []error{errors.New("transient receive error")}

	f := newWorkerFixture(t, func(context.Context, *model.JobRecord) error { return nil }, consumer)
	f.seed(t, testutil.QueuedJob("job-1"), testutil.QueuedJob("job-2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	select {
	case <-consumer.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the consumer")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	assert.Equal(t, []string{"m1", "m3"}, consumer.ackedIDs())
	assert.Equal(t, model.JobStatusSucceeded, f.status(t, "job-1"))
	assert.Equal(t, model.JobStatusSucceeded, f.status(t, "job-2"))
}

func TestWorker_RunRequiresConsumer(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *model.JobRecord) error { return nil }, nil)
	require.Error(t, f.worker.Run(context.Background()))
}
