package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fairdata/download-service/internal/sweepers"
	"github.com/fairdata/download-service/internal/taskqueue"
	"github.com/fairdata/download-service/internal/workers"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run generation workers and queue sweepers until interrupted",
	Long: `Consume generate jobs from the queue without serving HTTP. Runs the orphan
recovery and cache housekeeping sweepers alongside the workers.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNeedsApp: "true"},
	RunE:        runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Number of worker loops (defaults to worker.num_workers)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wcfg := svc.Config.Worker
	if workerConcurrency > 0 {
		wcfg.NumWorkers = workerConcurrency
	}

	g, ctx := errgroup.WithContext(ctx)

	var wake <-chan struct{}
	if wcfg.ListenForJobs {
		notifier, err := taskqueue.NewNotifier(svc.Config.Database.URL, logger)
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

	worker := workers.New(svc.Queue, svc.Coordinator, workers.WorkerConfig{
		WorkerID:   wcfg.ID,
		TaskTypes:  []string{taskqueue.JobTypeGenerate},
		MaxTasks:   1,
		NumWorkers: wcfg.NumWorkers,
		PollDelay:  wcfg.PollDelay,
		Wake:       wake,
	}, logger)
	worker.RegisterHandler(taskqueue.JobTypeGenerate, workers.NewGenerateHandler(svc.Generator))
	worker.Start(ctx)

	queueSweeper := sweepers.NewTaskQueueSweeper(svc.Queue, svc.Store, svc.Coordinator, wcfg.OrphanTimeout, wcfg.SweepInterval, logger)
	cacheSweeper := sweepers.NewCacheSweeper(svc.Cache, svc.Config.Cache.HousekeepingInterval, logger)
	g.Go(func() error {
		queueSweeper.Start(ctx)
		return nil
	})
	g.Go(func() error {
		cacheSweeper.Start(ctx)
		return nil
	})

	logger.Info().Str("worker_id", wcfg.ID).Int("workers", wcfg.NumWorkers).Msg("Worker running")
	<-ctx.Done()
	worker.Stop()
	queueSweeper.Stop()
	cacheSweeper.Stop()

	err := g.Wait()
	logger.Info().Msg("Worker stopped")
	return err
}
