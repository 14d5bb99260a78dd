// Package jobs runs periodic retention cleanup of download and queue history.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuthorizationStore deletes expired download authorizations
type AuthorizationStore interface {
	DeleteExpiredAuthorizations(ctx context.Context, before time.Time) (int, error)
}

// QueueHistory deletes finished queue jobs
type QueueHistory interface {
	CleanupOld(ctx context.Context, daysToKeep int) (int, error)
}

// CleanupConfig configures retention policies for cleanup jobs
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// AuthorizationRetention is how long an expired authorization is kept
	AuthorizationRetention time.Duration
	QueueRetentionDays     int
}

// DefaultCleanupConfig returns sensible retention defaults
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:                true,
		Interval:               1 * time.Hour,
		AuthorizationRetention: 7 * 24 * time.Hour,
		QueueRetentionDays:     30,
	}
}

// CleanupManager manages background cleanup jobs
type CleanupManager struct {
	config CleanupConfig
	auths  AuthorizationStore
	queue  QueueHistory
	logger *zerolog.Logger
	now    func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(config CleanupConfig, auths AuthorizationStore, queue QueueHistory, logger *zerolog.Logger) *CleanupManager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "cleanup").Logger()
	if config.Interval <= 0 {
		config.Interval = DefaultCleanupConfig().Interval
	}

	return &CleanupManager{
		config:   config,
		auths:    auths,
		queue:    queue,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs cleanup immediately and then every interval until ctx is done
// or Stop is called. It blocks.
func (cm *CleanupManager) Start(ctx context.Context) {
	defer close(cm.done)

	if !cm.config.Enabled {
		cm.logger.Info().Msg("Cleanup jobs are disabled, not starting")
		return
	}

	cm.logger.Info().
		Dur("interval", cm.config.Interval).
		Dur("authorization_retention", cm.config.AuthorizationRetention).
		Int("queue_retention_days", cm.config.QueueRetentionDays).
		Msg("Starting cleanup manager")

	ticker := time.NewTicker(cm.config.Interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopChan:
			return
		case <-ticker.C:
			cm.RunOnce(ctx)
		}
	}
}

// Stop stops the cleanup loop and waits up to five seconds for it to finish
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopChan) })

	select {
	case <-cm.done:
		cm.logger.Info().Msg("Cleanup manager stopped")
	case <-time.After(5 * time.Second):
		cm.logger.Warn().Msg("Cleanup manager did not stop gracefully")
	}
}

// RunOnce runs every cleanup job once
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cm.cleanupAuthorizations(ctx)
	cm.cleanupQueue(ctx)
}

func (cm *CleanupManager) cleanupAuthorizations(ctx context.Context) {
	start := time.Now()
	cutoff := cm.now().Add(-cm.config.AuthorizationRetention)

	deleted, err := cm.auths.DeleteExpiredAuthorizations(ctx, cutoff)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to cleanup expired authorizations")
		return
	}
	cm.logResult("authorizations", deleted, time.Since(start))
}

func (cm *CleanupManager) cleanupQueue(ctx context.Context) {
	if cm.config.QueueRetentionDays <= 0 {
		return
	}
	start := time.Now()

	deleted, err := cm.queue.CleanupOld(ctx, cm.config.QueueRetentionDays)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to cleanup finished queue jobs")
		return
	}
	cm.logResult("queue_jobs", deleted, time.Since(start))
}

func (cm *CleanupManager) logResult(job string, deleted int, duration time.Duration) {
	if deleted > 0 {
		cm.logger.Info().
			Str("job", job).
			Int("deleted", deleted).
			Dur("duration", duration).
			Msg("Cleanup removed old rows")
		return
	}
	cm.logger.Debug().
		Str("job", job).
		Dur("duration", duration).
		Msg("Nothing to clean up")
}
