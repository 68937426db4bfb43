package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/sermontube/internal/app"
	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "sermontube-automation",
	})
	logger.SetDefaultLogger(appLogger)

	task := flag.String("task", "discover", "Task to run: discover, reconcile, cleanup or publish")
	variant := flag.String("variant", "sermon", "Batch variant for discover: sermon or youtube")
	jobID := flag.String("job", "", "Job to publish (publish task)")
	drain := flag.Bool("drain", false, "Work off every due queue entry afterwards")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	appLogger.WithFields(logger.Fields{
		"task":    *task,
		"variant": *variant,
		"drain":   *drain,
	}).Info("Starting automation task")

	owner := "cli-" + *task
	switch *task {
	case "discover":
		batch, err := a.Automation.RunDiscovery(ctx, domain.BatchVariant(*variant))
		if err != nil {
			appLogger.WithError(err).Error("Discovery reported errors")
		}
		if batch == nil {
			appLogger.Info("No new sermons")
		} else {
			appLogger.WithFields(logger.Fields{
				logger.FieldBatchID: batch.ID,
				logger.FieldCount:   batch.JobCount,
			}).Info("Batch created")
		}
	case "reconcile":
		stats, err := a.Reconciler.Run(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Reconciliation failed")
		}
		appLogger.WithField("stats", stats).Info("Reconciliation completed")
	case "cleanup":
		stats, err := a.Cleanup.Run(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Cleanup failed")
		}
		appLogger.WithField("stats", stats).Info("Cleanup completed")
	case "publish":
		if *jobID == "" {
			appLogger.Fatal("-job is required for publish")
		}
		if err := a.Publisher.Publish(ctx, *jobID, owner); err != nil {
			appLogger.WithError(err).Fatal("Publish failed")
		}
		job, err := a.Jobs.GetByID(ctx, *jobID)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to load job")
		}
		appLogger.WithFields(logger.Fields{
			logger.FieldJobID: job.ID,
			logger.FieldState: job.State,
			"video_id":        job.ExternalVideoID,
			"error":           job.ErrorDetail,
		}).Info("Publish completed")
	default:
		appLogger.WithField("task", *task).Fatal("Unknown task")
	}

	if *drain {
		n, err := a.Pool.Drain(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Drain failed")
		}
		appLogger.WithField(logger.FieldCount, n).Info("Queue drained")
	}
}
