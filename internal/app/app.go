// Package app wires configuration into the running engine. Both the API
// server and the one-shot CLI build their services here.
package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/processor"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/retry"
	"github.com/timmy/sermontube/internal/service"
	"github.com/timmy/sermontube/internal/source/manifest"
	"github.com/timmy/sermontube/internal/source/playlist"
	"github.com/timmy/sermontube/internal/source/sermonsite"
	"github.com/timmy/sermontube/internal/storage"
	"github.com/timmy/sermontube/internal/youtube"
)

// App holds every long-lived component.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Hub    *events.Hub

	Jobs  *repository.JobRepository
	Queue *repository.QueueRepository

	Batches    *service.BatchManager
	Approval   *service.ApprovalGate
	Review     *service.Review
	Processor  *service.JobProcessor
	Publisher  *service.Publisher
	Automation *service.Automation
	Reconciler *service.Reconciler
	Cleanup    *service.CleanupService
	Pool       *service.WorkerPool
	Scheduler  *service.Scheduler
}

// Build connects to the database and storage and constructs every service.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if b, ok := store.(interface{ EnsureBucket(context.Context) error }); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
	}
	keys := storage.Keys{Prefix: cfg.Storage.Prefix}

	if err := os.MkdirAll(cfg.Cleanup.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	vp, err := processor.NewRemoteProcessor(cfg.Processor, store, keys, cfg.Cleanup.TempDir)
	if err != nil {
		return nil, fmt.Errorf("init processor: %w", err)
	}

	var (
		uploader service.VideoUploader      = youtube.Unconfigured{}
		creds    service.CredentialProvider = youtube.Unconfigured{}
	)
	if cfg.YouTube.CanPublish() {
		ts := youtube.TokenSource(ctx, cfg.YouTube)
		svc, err := youtube.NewService(ctx, cfg.YouTube, ts)
		if err != nil {
			return nil, err
		}
		uploader = youtube.NewUploader(svc, cfg.YouTube)
		creds = ts
	} else {
		logger.Warn("YouTube credentials not configured, approved jobs cannot be published")
	}

	a := &App{
		Config: cfg,
		DB:     db,
		Hub:    events.NewHub(),
		Jobs:   repository.NewJobRepository(db),
		Queue:  repository.NewQueueRepository(db),
	}
	sermons := repository.NewSermonRepository(db)
	policy := retry.PolicyFromConfig(cfg.Scheduler)
	lease := cfg.Scheduler.LeaseTimeout

	a.Batches = service.NewBatchManager(repository.NewBatchRepository(db), a.Jobs, a.Hub)
	a.Approval = service.NewApprovalGate(a.Jobs, a.Hub)
	a.Review = service.NewReview(a.Approval, a.Jobs, a.Hub)
	a.Processor = service.NewJobProcessor(a.Jobs, sermons, vp, policy, lease, a.Hub)
	a.Publisher = service.NewPublisher(a.Jobs, store, uploader, creds, policy, lease, a.Hub)
	a.Automation = service.NewAutomation(service.NewDiscoveryService(sermons, 0), a.Batches)
	a.Reconciler = service.NewReconciler(a.Jobs, sermons, a.Queue, a.Batches, a.Automation)
	a.Cleanup = service.NewCleanupService(a.Jobs, a.Queue, store, cfg.Cleanup.TempDir, cfg.Cleanup.Retention)

	if err := a.addSources(ctx); err != nil {
		return nil, err
	}

	a.Pool = service.NewWorkerPool(a.Queue, service.WorkerPoolConfig{
		Workers:      cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		QueueLease:   cfg.Worker.QueueLease,
	})
	service.RegisterHandlers(a.Pool, a.Processor, a.Publisher, a.Automation, a.Reconciler, a.Cleanup)

	var variants []domain.BatchVariant
	for _, v := range []domain.BatchVariant{domain.VariantSermon, domain.VariantYouTube} {
		if a.Automation.HasSources(v) {
			variants = append(variants, v)
		}
	}
	a.Scheduler, err = service.NewScheduler(a.Queue, a.Pool, cfg.Scheduler, variants)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// addSources registers the enabled sermon sources.
func (a *App) addSources(ctx context.Context) error {
	sc := a.Config.Sources

	if sc.SermonSite.Enabled {
		src, err := sermonsite.NewAdapter(sc.SermonSite)
		if err != nil {
			return fmt.Errorf("sermon site source: %w", err)
		}
		a.Automation.AddSource(domain.VariantSermon, src)
	}
	if sc.Manifest.Enabled {
		a.Automation.AddSource(domain.VariantSermon, manifest.NewAdapter(sc.Manifest.Path))
	}
	if sc.Playlist.Enabled {
		svc, err := youtube.NewReadOnlyService(ctx, a.Config.YouTube.APIKey)
		if err != nil {
			return fmt.Errorf("playlist source: %w", err)
		}
		src, err := playlist.NewAdapter(svc, sc.Playlist.PlaylistID, sc.Playlist.Church)
		if err != nil {
			return fmt.Errorf("playlist source: %w", err)
		}
		a.Automation.AddSource(domain.VariantYouTube, src)
	}

	for _, v := range []domain.BatchVariant{domain.VariantSermon, domain.VariantYouTube} {
		if !a.Automation.HasSources(v) {
			logger.Info("No discovery source enabled for %s batches", v)
		}
	}
	return nil
}

// Close releases the database connection.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
