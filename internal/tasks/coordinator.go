// Package tasks decides when a requested package already exists, creates
// generation tasks exactly once per dataset scope and admits them to the
// work queue.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/metax"
	"github.com/fairdata/download-service/internal/metrics"
	"github.com/fairdata/download-service/internal/taskqueue"
	"github.com/fairdata/download-service/internal/telemetry"
)

// Gateway is the part of the dataset registry the coordinator needs
type Gateway interface {
	GetModified(ctx context.Context, datasetID string) (time.Time, error)
	ResolveScope(ctx context.Context, datasetID string, requested []string) (metax.Resolution, error)
}

// Store is the part of the record store the coordinator needs
type Store interface {
	CreateTask(ctx context.Context, input database.NewTask) (*database.Task, error)
	CreateRequestScope(ctx context.Context, taskID string, prefixes []string) error
	GetRequestScopes(ctx context.Context, taskID string) ([][]string, error)
	ListLiveTasks(ctx context.Context, datasetID string, initiatedAfter time.Time) ([]database.Task, error)
	GetTaskScope(ctx context.Context, taskID string) ([]string, error)
	GetTaskForPackage(ctx context.Context, filename string) (*database.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...database.TaskStatus) ([]database.Task, error)
	MarkTaskPending(ctx context.Context, taskID, jobID string) error
	LockQueue(ctx context.Context) (func(), error)
	CreateSubscription(ctx context.Context, taskID, notifyURL, data string) (*database.Subscription, error)
}

// Queue accepts generate jobs
type Queue interface {
	EnqueueGenerate(ctx context.Context, payload taskqueue.GeneratePayload) (string, error)
}

// TaskResult is the outcome of FindOrCreateTask
type TaskResult struct {
	Task      database.Task
	ProjectID string
	IsPartial bool
	// Scope is the resolved file set the task covers
	Scope   []string
	Created bool
}

// ActiveTask is a live task with the request scopes recorded against it
type ActiveTask struct {
	database.Task
	// Scope is the union of the literal requests for a partial package
	Scope []string `json:"scope,omitempty"`
}

// Coordinator creates tasks and admits them to the queue
type Coordinator struct {
	store   Store
	gateway Gateway
	queue   Queue
	metrics *metrics.Recorder
	logger  *zerolog.Logger

	// reloadMu serialises reloads within the process; the store lock
	// serialises them across processes
	reloadMu sync.Mutex
}

// NewCoordinator wires a coordinator from its collaborators
func NewCoordinator(store Store, gateway Gateway, queue Queue, rec *metrics.Recorder, logger *zerolog.Logger) *Coordinator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "coordinator").Logger()
	return &Coordinator{
		store:   store,
		gateway: gateway,
		queue:   queue,
		metrics: rec,
		logger:  &l,
	}
}

// Option adjusts a single FindOrCreateTask call
type Option func(*options)

type options struct {
	skipReload bool
}

// SkipReload leaves a newly created task NEW instead of reloading the queue
func SkipReload() Option {
	return func(o *options) { o.skipReload = true }
}

// FindOrCreateTask returns the live task covering exactly the resolved scope
// of the request, creating one when none exists.
//
// Two concurrent calls for the same scope may both create a task. The second
// generation is wasted work but leaves the records consistent.
func (c *Coordinator) FindOrCreateTask(ctx context.Context, datasetID string, requested []string, opts ...Option) (result *TaskResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tasks.FindOrCreateTask", attribute.String("dataset.id", datasetID))
	defer func() { telemetry.EndSpan(span, err) }()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	modified, err := c.gateway.GetModified(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	resolution, err := c.gateway.ResolveScope(ctx, datasetID, requested)
	if err != nil {
		return nil, err
	}

	existing, err := c.findLiveTask(ctx, datasetID, modified, resolution.Files)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if resolution.IsPartial && len(requested) > 0 {
			if err := c.recordRequestScope(ctx, existing.TaskID, requested); err != nil {
				return nil, err
			}
		}
		c.logger.Debug().
			Str("dataset_id", datasetID).
			Str("task_id", existing.TaskID).
			Str("status", string(existing.Status)).
			Msg("Found live task for request")
		c.metrics.RecordTaskRequest(false)
		return &TaskResult{
			Task:      *existing,
			ProjectID: resolution.ProjectID,
			IsPartial: resolution.IsPartial,
			Scope:     resolution.Files,
			Created:   false,
		}, nil
	}

	input := database.NewTask{
		DatasetID: datasetID,
		ProjectID: resolution.ProjectID,
		IsPartial: resolution.IsPartial,
		Scope:     resolution.Files,
	}
	if resolution.IsPartial {
		input.RequestScope = normaliseScope(requested)
	}

	task, err := c.store.CreateTask(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create task for dataset %s: %w", datasetID, err)
	}

	c.logger.Info().
		Str("dataset_id", datasetID).
		Str("task_id", task.TaskID).
		Bool("is_partial", task.IsPartial).
		Int("files", len(resolution.Files)).
		Msg("Created generate task")
	c.metrics.RecordTaskRequest(true)

	if !o.skipReload {
		if _, err := c.ReloadQueue(ctx); err != nil {
			// The reload sweeper promotes the task later
			c.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Queue reload after task creation failed")
		}
	}

	return &TaskResult{
		Task:      *task,
		ProjectID: resolution.ProjectID,
		IsPartial: resolution.IsPartial,
		Scope:     resolution.Files,
		Created:   true,
	}, nil
}

// findLiveTask returns the first live task whose persisted scope equals files
func (c *Coordinator) findLiveTask(ctx context.Context, datasetID string, modified time.Time, files []string) (*database.Task, error) {
	live, err := c.store.ListLiveTasks(ctx, datasetID, modified)
	if err != nil {
		return nil, fmt.Errorf("failed to list live tasks for dataset %s: %w", datasetID, err)
	}

	for i := range live {
		scope, err := c.store.GetTaskScope(ctx, live[i].TaskID)
		if err != nil {
			return nil, fmt.Errorf("failed to read scope of task %s: %w", live[i].TaskID, err)
		}
		if sameSet(scope, files) {
			return &live[i], nil
		}
	}
	return nil, nil
}

func (c *Coordinator) recordRequestScope(ctx context.Context, taskID string, requested []string) error {
	prefixes := normaliseScope(requested)
	recorded, err := c.store.GetRequestScopes(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to read request scopes of task %s: %w", taskID, err)
	}
	for _, scope := range recorded {
		if sameSet(scope, prefixes) {
			return nil
		}
	}
	if err := c.store.CreateRequestScope(ctx, taskID, prefixes); err != nil {
		return fmt.Errorf("failed to record request scope of task %s: %w", taskID, err)
	}
	return nil
}

// ListActive returns the dataset's live tasks, oldest first
func (c *Coordinator) ListActive(ctx context.Context, datasetID string) (active []ActiveTask, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tasks.ListActive", attribute.String("dataset.id", datasetID))
	defer func() { telemetry.EndSpan(span, err) }()

	modified, err := c.gateway.GetModified(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	live, err := c.store.ListLiveTasks(ctx, datasetID, modified)
	if err != nil {
		return nil, fmt.Errorf("failed to list live tasks for dataset %s: %w", datasetID, err)
	}
	if len(live) == 0 {
		return nil, &NoActiveTasksError{DatasetID: datasetID}
	}

	active = make([]ActiveTask, 0, len(live))
	for _, task := range live {
		at := ActiveTask{Task: task}
		if task.IsPartial {
			requests, err := c.store.GetRequestScopes(ctx, task.TaskID)
			if err != nil {
				return nil, fmt.Errorf("failed to read request scopes of task %s: %w", task.TaskID, err)
			}
			at.Scope = unionScopes(requests)
		}
		active = append(active, at)
	}
	return active, nil
}

// ValidatePackageForDownload fails unless the package exists for the dataset
// and its task began no earlier than the dataset's last modification. Run it
// both when authorizing and when serving a download.
func (c *Coordinator) ValidatePackageForDownload(ctx context.Context, datasetID, filename string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "tasks.ValidatePackageForDownload",
		attribute.String("dataset.id", datasetID),
		attribute.String("package", filename))
	defer func() { telemetry.EndSpan(span, err) }()

	task, err := c.store.GetTaskForPackage(ctx, filename)
	if errors.Is(err, database.ErrNotFound) || (err == nil && task.DatasetID != datasetID) {
		return &NoPackageRecordError{DatasetID: datasetID, Package: filename}
	}
	if err != nil {
		return fmt.Errorf("failed to look up task for package %s: %w", filename, err)
	}

	modified, err := c.gateway.GetModified(ctx, datasetID)
	if err != nil {
		return err
	}

	if task.Initiated.Before(modified) {
		c.logger.Info().
			Str("dataset_id", datasetID).
			Str("package", filename).
			Time("initiated", task.Initiated).
			Time("modified", modified).
			Msg("Package is outdated")
		return &PackageOutdatedError{
			DatasetID: datasetID,
			Package:   filename,
			Initiated: task.Initiated,
			Modified:  modified,
		}
	}
	return nil
}

// Subscribe registers a notification for the live, unfinished task covering
// the request
func (c *Coordinator) Subscribe(ctx context.Context, datasetID string, requested []string, notifyURL, data string) (*database.Subscription, error) {
	modified, err := c.gateway.GetModified(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	resolution, err := c.gateway.ResolveScope(ctx, datasetID, requested)
	if err != nil {
		return nil, err
	}

	task, err := c.findLiveTask(ctx, datasetID, modified, resolution.Files)
	if err != nil {
		return nil, err
	}
	if task == nil || task.Status == database.StatusSuccess {
		return nil, &NoActiveTasksError{DatasetID: datasetID}
	}

	sub, err := c.store.CreateSubscription(ctx, task.TaskID, notifyURL, data)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to task %s: %w", task.TaskID, err)
	}

	c.logger.Info().
		Str("dataset_id", datasetID).
		Str("task_id", task.TaskID).
		Str("notify_url", notifyURL).
		Msg("Subscribed to task")
	return sub, nil
}

// ReloadQueue promotes NEW tasks to the queue. Nothing happens while any task
// is PENDING; otherwise the oldest NEW task of each dataset is enqueued and
// marked PENDING. Returns the number of tasks promoted.
func (c *Coordinator) ReloadQueue(ctx context.Context) (promoted int, err error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	release, err := c.store.LockQueue(ctx)
	if err != nil {
		c.metrics.RecordQueueReload("error", 0)
		return 0, err
	}
	defer release()

	defer func() {
		switch {
		case err != nil:
			c.metrics.RecordQueueReload("error", promoted)
		case promoted == 0:
			c.metrics.RecordQueueReload("idle", 0)
		default:
			c.metrics.RecordQueueReload("promoted", promoted)
		}
	}()

	pending, err := c.store.ListTasksByStatus(ctx, database.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	if len(pending) > 0 {
		c.logger.Debug().Int("pending", len(pending)).Msg("Queue busy, not reloading")
		return 0, nil
	}

	newTasks, err := c.store.ListTasksByStatus(ctx, database.StatusNew)
	if err != nil {
		return 0, fmt.Errorf("failed to list new tasks: %w", err)
	}

	for _, task := range SelectForReload(newTasks) {
		jobID, err := c.queue.EnqueueGenerate(ctx, taskqueue.GeneratePayload{
			TaskID:    task.TaskID,
			DatasetID: task.DatasetID,
			ProjectID: task.ProjectID,
		})
		if err != nil {
			return promoted, fmt.Errorf("failed to enqueue task %s: %w", task.TaskID, err)
		}
		if err := c.store.MarkTaskPending(ctx, task.TaskID, jobID); err != nil {
			return promoted, fmt.Errorf("failed to mark task %s pending: %w", task.TaskID, err)
		}
		promoted++

		c.logger.Info().
			Str("dataset_id", task.DatasetID).
			Str("task_id", task.TaskID).
			Str("job_id", jobID).
			Msg("Task enqueued")
	}
	return promoted, nil
}

// SelectForReload picks the first task of every dataset, keeping the input
// order. Input is expected oldest first.
func SelectForReload(newTasks []database.Task) []database.Task {
	seen := make(map[string]bool)
	selected := make([]database.Task, 0)
	for _, task := range newTasks {
		if seen[task.DatasetID] {
			continue
		}
		seen[task.DatasetID] = true
		selected = append(selected, task)
	}
	return selected
}

func normaliseScope(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, metax.NormalizePath(p))
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func sameSet(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}

func unionScopes(scopes [][]string) []string {
	var all []string
	for _, s := range scopes {
		all = append(all, s...)
	}
	sort.Strings(all)
	return slices.Compact(all)
}
