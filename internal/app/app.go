// Package app assembles the service components from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/cache"
	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/downloads"
	"github.com/fairdata/download-service/internal/generator"
	"github.com/fairdata/download-service/internal/ida"
	"github.com/fairdata/download-service/internal/metax"
	"github.com/fairdata/download-service/internal/metrics"
	"github.com/fairdata/download-service/internal/notify"
	"github.com/fairdata/download-service/internal/storage"
	"github.com/fairdata/download-service/internal/taskqueue"
	"github.com/fairdata/download-service/internal/tasks"
)

// App holds every long-lived component. Build wires them; Close releases
// the database pool.
type App struct {
	Config      *config.Config
	Logger      *zerolog.Logger
	Metrics     *metrics.Recorder
	Pool        *pgxpool.Pool
	Store       *database.Store
	Queue       *taskqueue.TaskQueue
	Gateway     *metax.Gateway
	Files       *ida.Storage
	Packages    *storage.LocalStorage
	Coordinator *tasks.Coordinator
	Cache       *cache.Manager
	Notifier    *notify.Notifier
	Generator   *generator.Generator
	Downloads   *downloads.Service
}

// Build connects to the database and creates the components
func Build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	packages, err := storage.NewLocalStorage(cfg.Cache.DatasetsDir())
	if err != nil {
		pool.Close()
		return nil, err
	}

	rec := metrics.NewRecorder()
	store := database.NewStore(pool)
	queue := taskqueue.New(pool, cfg.Worker.MaxRetries)
	gateway := metax.NewGateway(cfg.Metax, logger)
	files := ida.New(cfg.IDA.DataRoot)

	coordinator := tasks.NewCoordinator(store, gateway, queue, rec, logger)
	manager := cache.NewManager(store, gateway, packages, cfg.Cache, rec, logger)
	notifier := notify.New(cfg.Notify, rec, logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     rec,
		Pool:        pool,
		Store:       store,
		Queue:       queue,
		Gateway:     gateway,
		Files:       files,
		Packages:    packages,
		Coordinator: coordinator,
		Cache:       manager,
		Notifier:    notifier,
		Generator:   generator.New(store, manager, packages, files, notifier, cfg.IDA.OfflineRetryDelay, rec, logger),
		Downloads:   downloads.NewService(store, coordinator, gateway, packages, files, cfg.Download.TokenTTL, rec, logger),
	}, nil
}

// Close releases the database pool
func (a *App) Close() {
	a.Pool.Close()
}

// NewLogger builds the process logger. Console output unless format is json.
func NewLogger(cfg config.LoggingConfig, service string) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", service).Logger()
	return &logger
}

// Migrate applies the schema
func (a *App) Migrate(ctx context.Context) error {
	if err := database.Migrate(ctx, a.Pool); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
