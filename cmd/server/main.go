// @title Download Service API
// @version 1.0
// @description Package generation, cache management and single-use downloads for dataset files.
// @BasePath /
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/app"
	"github.com/fairdata/download-service/internal/handlers"
	"github.com/fairdata/download-service/internal/jobs"
	"github.com/fairdata/download-service/internal/middleware"
	"github.com/fairdata/download-service/internal/sweepers"
	"github.com/fairdata/download-service/internal/taskqueue"
	"github.com/fairdata/download-service/internal/telemetry"
	"github.com/fairdata/download-service/internal/workers"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Logging, "download-service")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server exited")
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("Starting download service")

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		Environment: cfg.Telemetry.Environment,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info().Msg("Database connected")

	if err := a.Migrate(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(ctx, a, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	cacheSweeper := sweepers.NewCacheSweeper(a.Cache, cfg.Cache.HousekeepingInterval, logger)
	g.Go(func() error {
		cacheSweeper.Start(ctx)
		return nil
	})

	cleanup := jobs.NewCleanupManager(jobs.CleanupConfig{
		Enabled:                cfg.Retention.Enabled,
		Interval:               cfg.Retention.Interval,
		AuthorizationRetention: cfg.Retention.AuthorizationRetention,
		QueueRetentionDays:     cfg.Retention.QueueRetentionDays,
	}, a.Store, a.Queue, logger)
	g.Go(func() error {
		cleanup.Start(ctx)
		return nil
	})

	if cfg.Worker.Enabled {
		if err := startWorker(ctx, g, a, logger); err != nil {
			return err
		}
	}

	// Tasks left NEW by a previous process are promoted at startup
	if _, err := a.Coordinator.ReloadQueue(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial queue reload failed")
	}

	return g.Wait()
}

func startWorker(ctx context.Context, g *errgroup.Group, a *app.App, logger *zerolog.Logger) error {
	cfg := a.Config.Worker

	var wake <-chan struct{}
	if cfg.ListenForJobs {
		notifier, err := taskqueue.NewNotifier(a.Config.Database.URL, logger)
		if err != nil {
			return err
		}
		wake = notifier.C()
		g.Go(func() error {
			defer notifier.Close()
			notifier.Run(ctx)
			return nil
		})
	}

	worker := workers.New(a.Queue, a.Coordinator, workers.WorkerConfig{
		WorkerID:   cfg.ID,
		TaskTypes:  []string{taskqueue.JobTypeGenerate},
		MaxTasks:   1,
		NumWorkers: cfg.NumWorkers,
		PollDelay:  cfg.PollDelay,
		Wake:       wake,
	}, logger)
	worker.RegisterHandler(taskqueue.JobTypeGenerate, workers.NewGenerateHandler(a.Generator))
	worker.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		worker.Stop()
		return nil
	})

	queueSweeper := sweepers.NewTaskQueueSweeper(a.Queue, a.Store, a.Coordinator, cfg.OrphanTimeout, cfg.SweepInterval, logger)
	g.Go(func() error {
		queueSweeper.Start(ctx)
		return nil
	})
	return nil
}

func newRouter(ctx context.Context, a *app.App, logger *zerolog.Logger) *gin.Engine {
	cfg := a.Config
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	h := handlers.New(handlers.Deps{
		Coordinator: a.Coordinator,
		Packages:    a.Store,
		Downloads:   a.Downloads,
		Cache:       a.Cache,
		DB:          a.Store,
		Storage:     a.Files,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDocs(router)

	public := router.Group("/")
	limit := middleware.Limit{PerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst}
	public.Use(middleware.RateLimitMiddleware(ctx, limit))
	h.RegisterPublic(public)
	h.RegisterService(public)

	internal := router.Group("/internal")
	internal.Use(middleware.AdminAuth(cfg.Server.InternalAPIKey, logger))
	internal.Use(middleware.ServiceRateLimitMiddleware(limit))
	h.RegisterAdmin(internal)

	return router
}
