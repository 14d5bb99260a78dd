package taskqueue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/internal/database/dbtest"
	"github.com/fairdata/download-service/internal/taskqueue"
)

var generateOnly = []string{taskqueue.JobTypeGenerate}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	pool, _ := dbtest.Setup(t)
	q := taskqueue.New(pool, 0)

	id, err := q.EnqueueGenerate(ctx, taskqueue.GeneratePayload{TaskID: "task_1", DatasetID: "D1", ProjectID: "p"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	claimed, err := q.Claim(ctx, "w1", generateOnly, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	var payload taskqueue.GeneratePayload
	require.NoError(t, json.Unmarshal(claimed[0].Payload, &payload))
	assert.Equal(t, "task_1", payload.TaskID)

	// A claimed job is not handed out twice
	again, err := q.Claim(ctx, "w2", generateOnly, 5)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Complete(ctx, id, map[string]string{"package": "D1_x.zip"}))
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestRetryReschedulesWithoutConsumingBudget(t *testing.T) {
	ctx := context.Background()
	pool, _ := dbtest.Setup(t)
	q := taskqueue.New(pool, 0)

	id, err := q.EnqueueGenerate(ctx, taskqueue.GeneratePayload{TaskID: "task_1"})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "w1", generateOnly, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Retry(ctx, id, "storage offline", time.Hour))
	}

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, job.ScheduledFor.After(time.Now().Add(50*time.Minute)))

	// Not yet due
	claimed, err = q.Claim(ctx, "w1", generateOnly, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestFailWithoutRetryIsTerminal(t *testing.T) {
	ctx := context.Background()
	pool, _ := dbtest.Setup(t)
	q := taskqueue.New(pool, 0)

	id, err := q.EnqueueGenerate(ctx, taskqueue.GeneratePayload{TaskID: "task_1"})
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "zip failed", false))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "zip failed", *job.ErrorMessage)
}

func TestRecoverOrphaned(t *testing.T) {
	ctx := context.Background()
	pool, _ := dbtest.Setup(t)
	q := taskqueue.New(pool, 0)

	id, err := q.EnqueueGenerate(ctx, taskqueue.GeneratePayload{TaskID: "task_1"})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "w1", generateOnly, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = pool.Exec(ctx, `UPDATE task_queue SET started_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, id)
	require.NoError(t, err)

	recovered, failed, err := q.RecoverOrphaned(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 0, failed)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusPending, job.Status)
}

func TestNotifierWakesOnEnqueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool, connStr := dbtest.Setup(t)
	q := taskqueue.New(pool, 0)

	notifier, err := taskqueue.NewNotifier(connStr, nil)
	require.NoError(t, err)
	defer notifier.Close()
	go notifier.Run(ctx)

	_, err = q.EnqueueGenerate(ctx, taskqueue.GeneratePayload{TaskID: "task_1"})
	require.NoError(t, err)

	select {
	case <-notifier.C():
	case <-time.After(10 * time.Second):
		t.Fatal("no wake-up after enqueue")
	}
}

func TestEnqueueUsesRetryBudget(t *testing.T) {
	ctx := context.Background()
	pool, _ := dbtest.Setup(t)
	q := taskqueue.New(pool, 7)

	id, err := q.Enqueue(ctx, taskqueue.JobTypeGenerate, taskqueue.GeneratePayload{TaskID: "task_2"})
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, job.MaxRetries)
	assert.Equal(t, 0, job.Priority)
	assert.Equal(t, taskqueue.StatusPending, job.Status)
	assert.JSONEq(t, `{"task_id":"task_2","dataset_id":"","project_id":""}`, string(job.Payload))

	_, err = q.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, taskqueue.ErrJobNotFound)
	assert.ErrorIs(t, q.Retry(ctx, "missing", "x", time.Second), taskqueue.ErrJobNotFound)
}
