// Package generator builds the package of one task and records the result.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairdata/download-service/internal/cache"
	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/metrics"
	"github.com/fairdata/download-service/internal/storage"
	"github.com/fairdata/download-service/internal/telemetry"
)

// Store is the part of the record store the generator needs
type Store interface {
	GetTask(ctx context.Context, taskID string) (*database.Task, error)
	GetTaskScope(ctx context.Context, taskID string) ([]string, error)
	GetPackageForTask(ctx context.Context, taskID string) (*database.Package, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status database.TaskStatus, message *string) error
	MarkTaskRetry(ctx context.Context, taskID string, message string) error
	CompleteTaskWithPackage(ctx context.Context, pkg database.Package) error
	ListSubscriptions(ctx context.Context, taskID string) ([]database.Subscription, error)
	DeleteSubscriptions(ctx context.Context, taskID string) error
}

// Housekeeper bounds the cache before a new package is added
type Housekeeper interface {
	Housekeep(ctx context.Context) ([]cache.Report, error)
}

// FileStorage is the source of dataset files
type FileStorage interface {
	SourceLocator
	Offline() bool
}

// Notifier delivers subscription notifications
type Notifier interface {
	NotifyAll(ctx context.Context, subs []database.Subscription) int
}

// Request identifies the task to build
type Request struct {
	TaskID    string `json:"task_id"`
	DatasetID string `json:"dataset_id"`
	ProjectID string `json:"project_id"`
}

// Generator runs a task through STARTED to SUCCESS, FAILED or RETRY
type Generator struct {
	store      Store
	cache      Housekeeper
	packages   storage.Storage
	files      FileStorage
	notifier   Notifier
	retryDelay time.Duration
	metrics    *metrics.Recorder
	logger     *zerolog.Logger
}

// New creates a generator
func New(store Store, housekeeper Housekeeper, packages storage.Storage, files FileStorage, notifier Notifier, retryDelay time.Duration, rec *metrics.Recorder, logger *zerolog.Logger) *Generator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "generator").Logger()
	return &Generator{
		store:      store,
		cache:      housekeeper,
		packages:   packages,
		files:      files,
		notifier:   notifier,
		retryDelay: retryDelay,
		metrics:    rec,
		logger:     &l,
	}
}

// Generate builds the package for req. It returns *RetryError while file
// storage is offline and *BuildError when the task failed for good.
func (g *Generator) Generate(ctx context.Context, req Request) (pkg *database.Package, err error) {
	ctx, span := telemetry.StartSpan(ctx, "generator.Generate",
		attribute.String("task.id", req.TaskID),
		attribute.String("dataset.id", req.DatasetID))
	defer func() { telemetry.EndSpan(span, err) }()

	logger := g.logger.With().
		Str("task_id", req.TaskID).
		Str("dataset_id", req.DatasetID).
		Logger()

	// Record store errors before STARTED leave the task as it was and are
	// returned unwrapped, so the job is run again.
	task, err := g.store.GetTask(ctx, req.TaskID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, &BuildError{TaskID: req.TaskID, DatasetID: req.DatasetID, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", req.TaskID, err)
	}
	switch task.Status {
	case database.StatusSuccess:
		// Re-delivered job of a finished task
		logger.Info().Msg("Task already succeeded")
		return g.store.GetPackageForTask(ctx, req.TaskID)
	case database.StatusFailed:
		logger.Info().Msg("Task already failed")
		return nil, &BuildError{TaskID: req.TaskID, DatasetID: req.DatasetID, Err: errors.New("task already failed")}
	}

	if g.files.Offline() {
		return nil, g.retry(ctx, &logger, req, "file storage is offline")
	}

	if err := g.store.UpdateTaskStatus(ctx, req.TaskID, database.StatusStarted, nil); err != nil {
		return nil, fmt.Errorf("failed to start task %s: %w", req.TaskID, err)
	}

	started := time.Now()
	pkg, err = g.build(ctx, &logger, req)
	var retryErr *RetryError
	switch {
	case errors.As(err, &retryErr):
		g.metrics.RecordGeneration("retry", time.Since(started), 0)
		return nil, err
	case err != nil:
		g.metrics.RecordGeneration("failed", time.Since(started), 0)
		return nil, g.fail(ctx, &logger, req, err)
	}

	g.metrics.RecordGeneration("success", time.Since(started), pkg.SizeBytes)
	logger.Info().
		Str("filename", pkg.Filename).
		Int64("size_bytes", pkg.SizeBytes).
		Dur("duration", time.Since(started)).
		Msg("Generated download file")

	g.notify(ctx, &logger, req.TaskID)
	return pkg, nil
}

func (g *Generator) build(ctx context.Context, logger *zerolog.Logger, req Request) (*database.Package, error) {
	scope, err := g.store.GetTaskScope(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scope: %w", err)
	}
	if len(scope) == 0 {
		return nil, errors.New("task has no files in scope")
	}

	if reports, err := g.cache.Housekeep(ctx); err != nil {
		logger.Error().Err(err).Msg("Error encountered while performing package cache housekeeping")
	} else {
		for _, r := range reports {
			logger.Debug().Str("operation", r.Operation).Msg(r.Message)
		}
	}

	logger.Info().Int("files", len(scope)).Msg("Generating download file")

	archive, err := BuildArchive(ctx, g.packages, g.files, req.DatasetID, req.ProjectID, scope)
	if err != nil {
		return nil, err
	}

	// Source files may have vanished while storage went offline
	if g.files.Offline() {
		logger.Warn().
			Str("filename", archive.Name).
			Int64("size_bytes", archive.SizeBytes).
			Msg("Discarding download file")
		if err := g.packages.Delete(ctx, archive.Name); err != nil {
			logger.Error().Err(err).Str("filename", archive.Name).Msg("Failed to discard download file")
		}
		return nil, g.retry(ctx, logger, req, "file storage went offline during generation")
	}

	pkg := database.Package{
		Filename:    archive.FinalName(),
		SizeBytes:   archive.SizeBytes,
		Checksum:    archive.Checksum,
		GeneratedBy: req.TaskID,
	}
	if err := g.packages.Rename(ctx, archive.Name, pkg.Filename); err != nil {
		_ = g.packages.Delete(ctx, archive.Name)
		return nil, err
	}
	if err := g.store.CompleteTaskWithPackage(ctx, pkg); err != nil {
		_ = g.packages.Delete(context.WithoutCancel(ctx), pkg.Filename)
		return nil, fmt.Errorf("failed to record package %s: %w", pkg.Filename, err)
	}
	return &pkg, nil
}

func (g *Generator) retry(ctx context.Context, logger *zerolog.Logger, req Request, reason string) error {
	logger.Warn().Str("reason", reason).Dur("delay", g.retryDelay).Msg("Retrying task later")
	if err := g.store.MarkTaskRetry(ctx, req.TaskID, reason); err != nil {
		return fmt.Errorf("failed to mark task %s for retry: %w", req.TaskID, err)
	}
	return &RetryError{TaskID: req.TaskID, Reason: reason, Delay: g.retryDelay}
}

// fail records the terminal failure and drops the task's subscriptions
func (g *Generator) fail(ctx context.Context, logger *zerolog.Logger, req Request, cause error) error {
	ctx = context.WithoutCancel(ctx)
	buildErr := &BuildError{TaskID: req.TaskID, DatasetID: req.DatasetID, Err: cause}
	logger.Error().Err(cause).Msg("Package generation failed")

	msg := cause.Error()
	if err := g.store.UpdateTaskStatus(ctx, req.TaskID, database.StatusFailed, &msg); err != nil {
		logger.Error().Err(err).Msg("Failed to mark task failed")
	}
	if err := g.store.DeleteSubscriptions(ctx, req.TaskID); err != nil {
		logger.Error().Err(err).Msg("Failed to delete subscriptions")
	}
	return buildErr
}

func (g *Generator) notify(ctx context.Context, logger *zerolog.Logger, taskID string) {
	subs, err := g.store.ListSubscriptions(ctx, taskID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	sent := g.notifier.NotifyAll(ctx, subs)
	logger.Info().Int("subscriptions", len(subs)).Int("sent", sent).Msg("Sent subscription notifications")

	if err := g.store.DeleteSubscriptions(ctx, taskID); err != nil {
		logger.Error().Err(err).Msg("Failed to delete subscriptions")
	}
}
