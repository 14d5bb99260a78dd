package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/generator"
	"github.com/fairdata/download-service/internal/taskqueue"
)

type retried struct {
	reason string
	delay  time.Duration
}

type fakeQueue struct {
	mu        sync.Mutex
	pending   []taskqueue.ClaimedJob
	completed map[string]any
	failed    map[string]string
	requeued  map[string]bool
	retried   map[string]retried
}

func newFakeQueue(jobs ...taskqueue.ClaimedJob) *fakeQueue {
	return &fakeQueue{
		pending:   jobs,
		completed: make(map[string]any),
		failed:    make(map[string]string),
		requeued:  make(map[string]bool),
		retried:   make(map[string]retried),
	}
}

func (q *fakeQueue) push(job taskqueue.ClaimedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
}

func (q *fakeQueue) Claim(ctx context.Context, workerID string, taskTypes []string, limit int) ([]taskqueue.ClaimedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.pending))
	jobs := q.pending[:n]
	q.pending = q.pending[n:]
	return jobs, nil
}

func (q *fakeQueue) Complete(ctx context.Context, jobID string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[jobID] = result
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, jobID, errorMessage string, shouldRetry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[jobID] = errorMessage
	q.requeued[jobID] = shouldRetry
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, jobID, reason string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried[jobID] = retried{reason: reason, delay: delay}
	return nil
}

func (q *fakeQueue) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

type fakeReloader struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeReloader) ReloadQueue(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0, nil
}

type fakeBuilder struct {
	errs map[string]error
	seen []generator.Request
}

func (b *fakeBuilder) Generate(ctx context.Context, req generator.Request) (*database.Package, error) {
	b.seen = append(b.seen, req)
	if err := b.errs[req.TaskID]; err != nil {
		return nil, err
	}
	return &database.Package{
		Filename:  req.DatasetID + "_pkg.zip",
		SizeBytes: 42,
		Checksum:  "sha256:abc",
	}, nil
}

func generateJob(t *testing.T, jobID, taskID string) taskqueue.ClaimedJob {
	t.Helper()
	payload, err := json.Marshal(taskqueue.GeneratePayload{TaskID: taskID, DatasetID: "D1", ProjectID: "proj"})
	require.NoError(t, err)
	return taskqueue.ClaimedJob{ID: jobID, TaskType: taskqueue.JobTypeGenerate, Payload: payload}
}

func newTestWorker(queue Queue, reloader Reloader, builder Builder) *Worker {
	w := New(queue, reloader, WorkerConfig{
		WorkerID:  "test",
		TaskTypes: []string{taskqueue.JobTypeGenerate},
		MaxTasks:  10,
		PollDelay: 10 * time.Millisecond,
	}, nil)
	w.RegisterHandler(taskqueue.JobTypeGenerate, NewGenerateHandler(builder))
	return w
}

func TestProcessJobsSettlesEachOutcome(t *testing.T) {
	queue := newFakeQueue()
	queue.push(generateJob(t, "j-ok", "t-ok"))
	queue.push(generateJob(t, "j-retry", "t-retry"))
	queue.push(generateJob(t, "j-fail", "t-fail"))
	queue.push(generateJob(t, "j-store", "t-store"))
	queue.push(taskqueue.ClaimedJob{ID: "j-bad", TaskType: taskqueue.JobTypeGenerate, Payload: []byte(`{`)})
	queue.push(taskqueue.ClaimedJob{ID: "j-unknown", TaskType: "mystery", Payload: []byte(`{}`)})

	reloader := &fakeReloader{}
	builder := &fakeBuilder{errs: map[string]error{
		"t-retry": &generator.RetryError{TaskID: "t-retry", Reason: "storage offline", Delay: time.Minute},
		"t-fail":  &generator.BuildError{TaskID: "t-fail", DatasetID: "D1", Err: errors.New("disk full")},
		"t-store": fmt.Errorf("failed to start task t-store: %w", errors.New("connection reset")),
	}}

	w := newTestWorker(queue, reloader, builder)
	claimed := w.ProcessJobs(context.Background(), "test-0")
	assert.Equal(t, 6, claimed)

	require.Contains(t, queue.completed, "j-ok")
	assert.Equal(t, GenerateResult{
		TaskID:   "t-ok",
		Filename: "D1_pkg.zip",
		Size:     42,
		Checksum: "sha256:abc",
	}, queue.completed["j-ok"])

	assert.Equal(t, retried{reason: "storage offline", delay: time.Minute}, queue.retried["j-retry"])
	assert.NotContains(t, queue.failed, "j-retry")

	assert.Contains(t, queue.failed["j-fail"], "disk full")
	assert.False(t, queue.requeued["j-fail"])
	assert.Contains(t, queue.failed["j-bad"], "unmarshal")
	assert.False(t, queue.requeued["j-bad"])
	assert.Equal(t, "No handler registered", queue.failed["j-unknown"])

	// A store error before the build is not the package's fault, so the job
	// goes back to the queue on its retry budget
	assert.Contains(t, queue.failed["j-store"], "connection reset")
	assert.True(t, queue.requeued["j-store"])

	// ok, fail, store and bad payload settle the job; retry and unknown type do not reload
	assert.Equal(t, 4, reloader.calls)

	require.Len(t, builder.seen, 4)
	assert.Equal(t, generator.Request{TaskID: "t-ok", DatasetID: "D1", ProjectID: "proj"}, builder.seen[0])
}

func TestProcessJobsEmptyQueue(t *testing.T) {
	reloader := &fakeReloader{}
	w := newTestWorker(newFakeQueue(), reloader, &fakeBuilder{})

	assert.Equal(t, 0, w.ProcessJobs(context.Background(), "test-0"))
	assert.Equal(t, 0, reloader.calls)
}

func TestWorkerWakesOnSignal(t *testing.T) {
	queue := newFakeQueue()
	wake := make(chan struct{}, 1)

	w := New(queue, nil, WorkerConfig{
		WorkerID:  "test",
		TaskTypes: []string{taskqueue.JobTypeGenerate},
		PollDelay: time.Hour,
		Wake:      wake,
	}, nil)
	w.RegisterHandler(taskqueue.JobTypeGenerate, NewGenerateHandler(&fakeBuilder{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	queue.push(generateJob(t, "j1", "t1"))
	wake <- struct{}{}

	assert.Eventually(t, func() bool { return queue.completedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	// Stop is safe to call twice
	w.Stop()
}

func TestWorkerPolls(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, nil, &fakeBuilder{})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	queue.push(generateJob(t, "j1", "t1"))
	queue.push(generateJob(t, "j2", "t2"))

	assert.Eventually(t, func() bool { return queue.completedCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	w.Stop()
}
