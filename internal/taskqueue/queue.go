package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrJobNotFound is returned for job ids the queue does not know
var ErrJobNotFound = errors.New("job not found")

const defaultMaxRetries = 3

// TaskQueue is a Postgres backed job queue. Claiming and settling go through
// the stored functions created by the migrations.
type TaskQueue struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// New creates a queue whose jobs may be retried maxRetries times before they
// fail for good. A non-positive maxRetries uses the default of three.
func New(pool *pgxpool.Pool, maxRetries int) *TaskQueue {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &TaskQueue{pool: pool, maxRetries: maxRetries}
}

// Enqueue inserts a job that is due immediately and returns its id
func (q *TaskQueue) Enqueue(ctx context.Context, taskType string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", taskType, err)
	}

	var id string
	err = q.pool.QueryRow(ctx, `
		INSERT INTO task_queue (task_type, payload, max_retries)
		VALUES ($1, $2, $3)
		RETURNING id
	`, taskType, body, q.maxRetries).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", taskType, err)
	}
	return id, nil
}

// EnqueueGenerate schedules a generate job for a task and returns its job id
func (q *TaskQueue) EnqueueGenerate(ctx context.Context, payload GeneratePayload) (string, error) {
	return q.Enqueue(ctx, JobTypeGenerate, payload)
}

// Claim hands up to limit due jobs of the given types to workerID
func (q *TaskQueue) Claim(ctx context.Context, workerID string, taskTypes []string, limit int) ([]ClaimedJob, error) {
	rows, err := q.pool.Query(ctx, `SELECT id, task_type, payload FROM claim_tasks($1, $2, $3)`,
		workerID, taskTypes, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ClaimedJob])
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed jobs: %w", err)
	}
	return jobs, nil
}

// Complete marks a job done, storing result as its JSON result
func (q *TaskQueue) Complete(ctx context.Context, jobID string, result any) error {
	var body []byte
	if result != nil {
		var err error
		if body, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to encode job result: %w", err)
		}
	}

	if _, err := q.pool.Exec(ctx, `SELECT complete_task($1, $2::jsonb)`, jobID, body); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail records a failed attempt. With shouldRetry the job is rescheduled
// with exponential backoff until its retry budget is spent.
func (q *TaskQueue) Fail(ctx context.Context, jobID, errorMessage string, shouldRetry bool) error {
	if _, err := q.pool.Exec(ctx, `SELECT fail_task($1, $2, $3)`, jobID, errorMessage, shouldRetry); err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", jobID, err)
	}
	return nil
}

// Retry puts a claimed job back after a fixed delay. Unlike Fail it does not
// consume the retry budget, so a job may be retried indefinitely.
func (q *TaskQueue) Retry(ctx context.Context, jobID, reason string, delay time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = 'pending',
		    scheduled_for = NOW() + make_interval(secs => $2),
		    error_message = $3,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, jobID, delay.Seconds(), reason)
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// RecoverOrphaned returns jobs claimed longer than timeout ago to the queue,
// failing those that have used up their retries
func (q *TaskQueue) RecoverOrphaned(ctx context.Context, timeout time.Duration) (recovered, failed int, err error) {
	err = q.pool.QueryRow(ctx, `SELECT * FROM recover_orphaned_tasks(make_interval(secs => $1))`,
		timeout.Seconds()).Scan(&recovered, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	return recovered, failed, nil
}

// CleanupOld removes settled jobs older than daysToKeep days
func (q *TaskQueue) CleanupOld(ctx context.Context, daysToKeep int) (int, error) {
	var count int
	if err := q.pool.QueryRow(ctx, `SELECT cleanup_old_tasks($1)`, daysToKeep).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to clean up old jobs: %w", err)
	}
	return count, nil
}

// Get loads one job
func (q *TaskQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, task_type, payload, priority, status, scheduled_for,
		       started_at, completed_at, failed_at, worker_id,
		       retry_count, max_retries, error_message, created_at, updated_at
		FROM task_queue
		WHERE id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	job, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Job])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}
