// Package workers runs queued jobs.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/internal/generator"
	"github.com/fairdata/download-service/internal/taskqueue"
)

// Queue is the part of the task queue a worker drives
type Queue interface {
	Claim(ctx context.Context, workerID string, taskTypes []string, limit int) ([]taskqueue.ClaimedJob, error)
	Complete(ctx context.Context, jobID string, result any) error
	Fail(ctx context.Context, jobID, errorMessage string, shouldRetry bool) error
	Retry(ctx context.Context, jobID, reason string, delay time.Duration) error
}

// Reloader refills the queue once a job has settled
type Reloader interface {
	ReloadQueue(ctx context.Context) (int, error)
}

// Handler runs one job payload. The returned value is stored as the job result.
type Handler func(ctx context.Context, payload []byte) (any, error)

type WorkerConfig struct {
	WorkerID   string
	TaskTypes  []string
	MaxTasks   int
	NumWorkers int
	PollDelay  time.Duration
	// Wake, when set, triggers a claim without waiting for the next poll
	Wake <-chan struct{}
}

type Worker struct {
	queue    Queue
	reloader Reloader
	config   WorkerConfig
	handlers map[string]Handler
	logger   *zerolog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(queue Queue, reloader Reloader, config WorkerConfig, logger *zerolog.Logger) *Worker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.MaxTasks < 1 {
		config.MaxTasks = 1
	}
	if config.PollDelay <= 0 {
		config.PollDelay = 5 * time.Second
	}
	l := logger.With().Str("component", "worker").Logger()
	return &Worker{
		queue:    queue,
		reloader: reloader,
		config:   config,
		handlers: make(map[string]Handler),
		logger:   &l,
		stopChan: make(chan struct{}),
	}
}

func (w *Worker) RegisterHandler(taskType string, handler Handler) {
	w.handlers[taskType] = handler
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().
		Str("worker_id", w.config.WorkerID).
		Strs("task_types", w.config.TaskTypes).
		Int("num_workers", w.config.NumWorkers).
		Msg("Starting worker")

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// Stop signals every loop to exit and waits for in-flight jobs
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.logger.Info().
		Str("worker_id", w.config.WorkerID).
		Msg("Worker stopping, waiting for in-flight jobs")
	w.wg.Wait()
	w.logger.Info().
		Str("worker_id", w.config.WorkerID).
		Msg("Worker stopped")
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerID := fmt.Sprintf("%s-%d", w.config.WorkerID, workerNum)
	w.logger.Debug().Str("worker_id", workerID).Msg("Starting worker goroutine")

	ticker := time.NewTicker(w.config.PollDelay)
	defer ticker.Stop()

	// Pick up anything queued while we were down
	w.ProcessJobs(ctx, workerID)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Str("worker_id", workerID).Msg("Worker shutting down")
			return
		case <-w.stopChan:
			w.logger.Debug().Str("worker_id", workerID).Msg("Worker received stop signal")
			return
		case <-w.config.Wake:
			w.ProcessJobs(ctx, workerID)
		case <-ticker.C:
			w.ProcessJobs(ctx, workerID)
		}
	}
}

// ProcessJobs claims and runs one batch of jobs. Returns the number claimed.
func (w *Worker) ProcessJobs(ctx context.Context, workerID string) int {
	jobs, err := w.queue.Claim(ctx, workerID, w.config.TaskTypes, w.config.MaxTasks)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to claim jobs")
		}
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	w.logger.Info().
		Str("worker_id", workerID).
		Int("job_count", len(jobs)).
		Msg("Worker claimed jobs")

	for _, job := range jobs {
		w.processJob(ctx, workerID, job)
	}
	return len(jobs)
}

func (w *Worker) processJob(ctx context.Context, workerID string, job taskqueue.ClaimedJob) {
	logger := w.logger.With().
		Str("worker_id", workerID).
		Str("job_id", job.ID).
		Str("task_type", job.TaskType).
		Logger()

	handler, exists := w.handlers[job.TaskType]
	if !exists {
		logger.Warn().Msg("No handler for task type")
		if err := w.queue.Fail(ctx, job.ID, "No handler registered", false); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job as failed")
		}
		return
	}

	logger.Info().Msg("Worker processing job")

	result, handlerErr := handler(ctx, job.Payload)

	var retryErr *generator.RetryError
	switch {
	case errors.As(handlerErr, &retryErr):
		if err := w.queue.Retry(ctx, job.ID, retryErr.Reason, retryErr.Delay); err != nil {
			logger.Error().Err(err).Msg("Failed to reschedule job")
		}
		logger.Warn().
			Str("reason", retryErr.Reason).
			Dur("delay", retryErr.Delay).
			Msg("Job rescheduled")
		return

	case handlerErr != nil:
		retry := !permanent(handlerErr)
		if err := w.queue.Fail(ctx, job.ID, handlerErr.Error(), retry); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job as failed")
		}
		logger.Error().Err(handlerErr).Bool("will_retry", retry).Msg("Job failed")

	default:
		if err := w.queue.Complete(ctx, job.ID, result); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job as completed")
		}
		logger.Info().Msg("Worker completed job")
	}

	w.reload(ctx, &logger)
}

func (w *Worker) reload(ctx context.Context, logger *zerolog.Logger) {
	if w.reloader == nil {
		return
	}
	promoted, err := w.reloader.ReloadQueue(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload queue")
		return
	}
	if promoted > 0 {
		logger.Info().Int("promoted", promoted).Msg("Queue reloaded")
	}
}

// permanent reports whether a job error cannot be cured by running the job
// again. Anything else, typically a record store hiccup, spends the job's
// retry budget.
func permanent(err error) bool {
	var buildErr *generator.BuildError
	return errors.As(err, &buildErr) || errors.Is(err, ErrInvalidPayload)
}
