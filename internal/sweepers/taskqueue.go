// Package sweepers runs periodic maintenance next to the workers.
package sweepers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// OrphanRecoverer returns abandoned jobs to the queue
type OrphanRecoverer interface {
	RecoverOrphaned(ctx context.Context, timeout time.Duration) (recovered, failed int, err error)
}

// Reconciler fails tasks whose queue job can no longer run them
type Reconciler interface {
	FailStrandedTasks(ctx context.Context, reason string) ([]string, error)
}

// strandedReason is recorded on tasks failed by the sweeper
const strandedReason = "generation job failed or was lost"

// Reloader refills the queue
type Reloader interface {
	ReloadQueue(ctx context.Context) (int, error)
}

// TaskQueueSweeper periodically recovers orphaned jobs, fails tasks left
// without a live job and reloads the queue
type TaskQueueSweeper struct {
	queue    OrphanRecoverer
	tasks    Reconciler
	reloader Reloader
	timeout  time.Duration
	ticker   *ticker
	logger   *zerolog.Logger
}

// NewTaskQueueSweeper creates a new sweeper for task queue maintenance. Jobs
// claimed longer than timeout ago are considered orphaned.
func NewTaskQueueSweeper(queue OrphanRecoverer, tasks Reconciler, reloader Reloader, timeout, interval time.Duration, logger *zerolog.Logger) *TaskQueueSweeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "taskqueue_sweeper").Logger()
	return &TaskQueueSweeper{
		queue:    queue,
		tasks:    tasks,
		reloader: reloader,
		timeout:  timeout,
		ticker:   newTicker(interval),
		logger:   &l,
	}
}

// Start blocks running sweeps until ctx is done or Stop is called
func (s *TaskQueueSweeper) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.ticker.interval).
		Dur("orphan_timeout", s.timeout).
		Msg("Starting task queue sweeper")

	s.ticker.run(ctx, func(ctx context.Context) {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Task queue sweep failed")
		}
	})
	s.logger.Info().Msg("Task queue sweeper stopped")
}

// Stop signals the sweeper to stop
func (s *TaskQueueSweeper) Stop() {
	s.ticker.stop()
}

// Sweep recovers orphaned jobs, then fails tasks whose job is gone, then
// reloads the queue. A PENDING task blocks every reload, so one whose job
// failed for good has to be settled before reloading. Reloading here also
// covers tasks whose promotion was lost, e.g. when a reload after request
// creation failed.
func (s *TaskQueueSweeper) Sweep(ctx context.Context) error {
	s.logger.Debug().Msg("Running orphaned job recovery")

	recovered, failed, err := s.queue.RecoverOrphaned(ctx, s.timeout)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}

	if recovered > 0 || failed > 0 {
		s.logger.Info().
			Int("recovered", recovered).
			Int("failed", failed).
			Msg("Recovered orphaned jobs")
	}

	if s.tasks != nil {
		failedTasks, err := s.tasks.FailStrandedTasks(ctx, strandedReason)
		if err != nil {
			return fmt.Errorf("failed to settle stranded tasks: %w", err)
		}
		for _, id := range failedTasks {
			s.logger.Warn().Str("task_id", id).Msg("Failed task left without a live job")
		}
	}

	if s.reloader == nil {
		return nil
	}
	promoted, err := s.reloader.ReloadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload queue: %w", err)
	}
	if promoted > 0 {
		s.logger.Info().Int("promoted", promoted).Msg("Queue reloaded by sweeper")
	}
	return nil
}
