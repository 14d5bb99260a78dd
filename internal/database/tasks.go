package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairdata/download-service/internal/pkg/cuid2"
)

const taskColumns = `
	t.task_id, t.dataset_id, t.project_id, t.is_partial, t.status, t.initiated,
	t.date_done, t.retries, t.queue_job_id, t.error_message`

func scanTask(row pgx.Row, extra ...any) (*Task, error) {
	var task Task
	dest := []any{
		&task.TaskID, &task.DatasetID, &task.ProjectID, &task.IsPartial, &task.Status,
		&task.Initiated, &task.DateDone, &task.Retries, &task.QueueJobID, &task.ErrorMessage,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	task.Initiated = task.Initiated.UTC()
	if task.DateDone != nil {
		done := task.DateDone.UTC()
		task.DateDone = &done
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows, withPackage bool) ([]Task, error) {
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		var pkg *string
		var extra []any
		if withPackage {
			extra = append(extra, &pkg)
		}
		task, err := scanTask(rows, extra...)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Package = pkg
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// GenerateTaskID returns a new time-sortable task identifier
func GenerateTaskID() string {
	return cuid2.New("task", cuid2.Options{})
}

// CreateTask inserts a NEW task together with its resolved scope and, for
// partial packages, the literal request scope.
func (s *Store) CreateTask(ctx context.Context, input NewTask) (*Task, error) {
	taskID := GenerateTaskID()

	var task *Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		task, err = scanTask(tx.QueryRow(ctx, `
			INSERT INTO generate_task AS t (task_id, dataset_id, project_id, is_partial, status, initiated)
			VALUES ($1, $2, $3, $4, $5, NOW())
			RETURNING `+taskColumns,
			taskID, input.DatasetID, input.ProjectID, input.IsPartial, StatusNew,
		))
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", translate(err))
		}

		if len(input.Scope) > 0 {
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{"generate_scope"},
				[]string{"task_id", "filepath"},
				pgx.CopyFromSlice(len(input.Scope), func(i int) ([]any, error) {
					return []any{taskID, input.Scope[i]}, nil
				}),
			); err != nil {
				return fmt.Errorf("failed to insert task scope: %w", err)
			}
		}

		if input.IsPartial && len(input.RequestScope) > 0 {
			if err := insertRequestScope(ctx, tx, taskID, input.RequestScope); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func insertRequestScope(ctx context.Context, q queryer, taskID string, prefixes []string) error {
	var requestID int64
	if err := q.QueryRow(ctx, `
		INSERT INTO generate_request (task_id) VALUES ($1) RETURNING id
	`, taskID).Scan(&requestID); err != nil {
		return fmt.Errorf("failed to insert request: %w", translate(err))
	}
	for _, prefix := range prefixes {
		if _, err := q.Exec(ctx, `
			INSERT INTO generate_request_scope (request_id, prefix) VALUES ($1, $2)
		`, requestID, prefix); err != nil {
			return fmt.Errorf("failed to insert request scope: %w", err)
		}
	}
	return nil
}

// CreateRequestScope records another literal request against a task
func (s *Store) CreateRequestScope(ctx context.Context, taskID string, prefixes []string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return insertRequestScope(ctx, tx, taskID, prefixes)
	})
}

// GetRequestScopes returns every recorded request scope of a task, each
// sorted, in recording order
func (s *Store) GetRequestScopes(ctx context.Context, taskID string) ([][]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, rs.prefix
		FROM generate_request r
		JOIN generate_request_scope rs ON rs.request_id = r.id
		WHERE r.task_id = $1
		ORDER BY r.id, rs.prefix
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query request scopes: %w", err)
	}
	defer rows.Close()

	scopes := make([][]string, 0)
	lastID := int64(-1)
	for rows.Next() {
		var id int64
		var prefix string
		if err := rows.Scan(&id, &prefix); err != nil {
			return nil, fmt.Errorf("failed to scan request scope: %w", err)
		}
		if id != lastID {
			scopes = append(scopes, []string{})
			lastID = id
		}
		scopes[len(scopes)-1] = append(scopes[len(scopes)-1], prefix)
	}
	return scopes, rows.Err()
}

// ListLiveTasks returns the dataset's tasks initiated strictly after the given
// instant that either succeeded with a package or have not finished yet
func (s *Store) ListLiveTasks(ctx context.Context, datasetID string, initiatedAfter time.Time) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`, p.filename
		FROM generate_task t
		LEFT JOIN package p ON p.generated_by = t.task_id
		WHERE t.dataset_id = $1
		  AND t.initiated > $2
		  AND ((t.status = 'SUCCESS' AND p.filename IS NOT NULL)
		       OR t.status NOT IN ('SUCCESS', 'FAILED'))
		ORDER BY t.initiated, t.id
	`, datasetID, initiatedAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to query live tasks: %w", err)
	}
	return collectTasks(rows, true)
}

// ListTasksByStatus returns tasks in any of the given statuses, oldest first
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`, p.filename
		FROM generate_task t
		LEFT JOIN package p ON p.generated_by = t.task_id
		WHERE t.status = ANY($1)
		ORDER BY t.initiated, t.id
	`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	return collectTasks(rows, true)
}

// CountTasksByStatus returns the number of tasks in each status
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM generate_task GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetTask returns a task by id
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM generate_task t
		WHERE t.task_id = $1
	`, taskID))
	if err != nil {
		return nil, translate(err)
	}
	return task, nil
}

// GetTaskScope returns the resolved file paths of a task, sorted
func (s *Store) GetTaskScope(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT filepath FROM generate_scope WHERE task_id = $1 ORDER BY filepath
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task scope: %w", err)
	}
	scope, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan task scope: %w", err)
	}
	sort.Strings(scope)
	return scope, nil
}

// GetTaskForPackage returns the task that produced the named package
func (s *Store) GetTaskForPackage(ctx context.Context, filename string) (*Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM generate_task t
		JOIN package p ON p.generated_by = t.task_id
		WHERE p.filename = $1
	`, filename))
	if err != nil {
		return nil, translate(err)
	}
	return task, nil
}

// UpdateTaskStatus moves a task to a new status. A non-nil message is stored
// as the task's error.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, message *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generate_task
		SET status = $2,
		    error_message = $3,
		    date_done = CASE WHEN $2 = 'SUCCESS' THEN NOW() ELSE date_done END
		WHERE task_id = $1
	`, taskID, status, message)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskRetry records another attempt that must be retried later
func (s *Store) MarkTaskRetry(ctx context.Context, taskID string, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generate_task
		SET status = 'RETRY', retries = retries + 1, error_message = $2
		WHERE task_id = $1
	`, taskID, message)
	if err != nil {
		return fmt.Errorf("failed to mark task for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskPending records the queue job of a task promoted by reload
func (s *Store) MarkTaskPending(ctx context.Context, taskID, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generate_task
		SET status = 'PENDING', queue_job_id = $2
		WHERE task_id = $1
	`, taskID, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark task pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStrandedTasks marks FAILED every PENDING, STARTED or RETRY task whose
// queue job is missing or no longer waiting or running, and drops their
// subscriptions. Returns the ids of the tasks failed.
func (s *Store) FailStrandedTasks(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stranded AS (
			UPDATE generate_task t
			SET status = 'FAILED', error_message = $1
			WHERE t.status IN ('PENDING', 'STARTED', 'RETRY')
			  AND NOT EXISTS (
				SELECT 1 FROM task_queue q
				WHERE q.id = t.queue_job_id
				  AND q.status IN ('pending', 'claimed')
			  )
			RETURNING t.task_id
		), dropped AS (
			DELETE FROM subscription s
			USING stranded
			WHERE s.task_id = stranded.task_id
		)
		SELECT task_id FROM stranded ORDER BY task_id
	`, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stranded tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to fail stranded tasks: %w", err)
	}
	return ids, nil
}
