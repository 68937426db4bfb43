package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/sermontube/internal/api"
	"github.com/timmy/sermontube/internal/app"
	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/logger"
)

func main() {
	appLogger := logger.New(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// CONFIG_PATH overrides the config search path in deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	go a.Hub.Run(ctx)
	a.Pool.Start(ctx)
	a.Scheduler.Start()

	router := api.SetupRouter(api.Deps{
		Jobs:       a.Jobs,
		Queue:      a.Queue,
		Batches:    a.Batches,
		Approval:   a.Approval,
		Review:     a.Review,
		Automation: a.Automation,
		Tasks:      a.Scheduler,
		Hub:        a.Hub,
		Notifier:   a.Pool,
	}, cfg.Server)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"workers": cfg.Worker.Count,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	a.Scheduler.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// workers hand their entries back; leased jobs are picked up again
	// after their lease expires
	cancel()
	a.Pool.Wait()

	appLogger.Info("Server exited")
}
