package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/storage"
)

// CleanupStats summarizes one cleanup pass.
type CleanupStats struct {
	TempEntries   int   `json:"temp_entries"`
	ArtifactJobs  int   `json:"artifact_jobs"`
	PurgedEntries int64 `json:"purged_entries"`
}

// CleanupService removes render leftovers and the stored artifacts of jobs
// that will never be uploaded again.
type CleanupService struct {
	jobs      *repository.JobRepository
	queue     *repository.QueueRepository
	store     storage.ObjectStorage
	tempDir   string
	retention time.Duration
	now       Clock
}

// NewCleanupService creates a CleanupService.
func NewCleanupService(
	jobs *repository.JobRepository,
	queue *repository.QueueRepository,
	store storage.ObjectStorage,
	tempDir string,
	retention time.Duration,
) *CleanupService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &CleanupService{
		jobs:      jobs,
		queue:     queue,
		store:     store,
		tempDir:   tempDir,
		retention: retention,
		now:       systemClock,
	}
}

// Run performs one pass. Individual deletion failures are logged and
// skipped so one bad object does not block the rest.
func (c *CleanupService) Run(ctx context.Context) (*CleanupStats, error) {
	ctx = logger.SetComponent(ctx, "cleanup")
	cutoff := c.now().Add(-c.retention)
	stats := &CleanupStats{}

	n, err := c.cleanTempDir(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	stats.TempEntries = n

	done, err := c.jobs.ListFinishedBefore(ctx,
		[]domain.JobState{domain.JobStatePublished, domain.JobStateRejected}, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list finished jobs: %w", err)
	}
	for i := range done {
		job := &done[i]
		if err := c.deleteArtifacts(ctx, job); err != nil {
			logger.FromContext(ctx).WithField(logger.FieldJobID, job.ID).
				WithError(err).Warn("Failed to delete artifacts")
			continue
		}
		stats.ArtifactJobs++
	}

	purged, err := c.queue.PurgeDone(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge queue: %w", err)
	}
	stats.PurgedEntries = purged

	logger.With(logger.Fields{
		"temp_entries":   stats.TempEntries,
		"artifact_jobs":  stats.ArtifactJobs,
		"purged_entries": stats.PurgedEntries,
	}).Info(ctx, "Cleanup finished")
	return stats, nil
}

// cleanTempDir removes top-level entries of the temp dir older than cutoff.
func (c *CleanupService) cleanTempDir(ctx context.Context, cutoff time.Time) (int, error) {
	if c.tempDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(c.tempDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.tempDir, e.Name())); err != nil {
			logger.CtxWarn(ctx, "Failed to remove %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (c *CleanupService) deleteArtifacts(ctx context.Context, job *domain.Job) error {
	for _, key := range []string{job.VideoKey, job.ThumbnailKey} {
		if key == "" {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return c.jobs.ClearArtifacts(ctx, job.ID)
}
