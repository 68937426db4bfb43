package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
)

// orphanGrace is how long a sermon may exist without a job before it counts
// as left behind by a crashed discovery run.
const orphanGrace = time.Hour

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	ExpiredLeases  int      `json:"expired_leases"`
	DueRetries     int      `json:"due_retries"`
	StrandedJobs   int      `json:"stranded_jobs"`
	Unpublished    int      `json:"unpublished"`
	OrphanSermons  int      `json:"orphan_sermons"`
	OrphanBatchIDs []string `json:"orphan_batch_ids,omitempty"`
}

// VariantResolver maps a sermon's source type to the variant of the batches
// it belongs in.
type VariantResolver interface {
	VariantOf(sourceType string) domain.BatchVariant
}

// Reconciler re-enqueues work whose queue entry was lost: jobs left in
// Processing by a crashed worker, due retries, Pending jobs without an entry,
// Approved jobs not yet published and sermons that never got a batch.
type Reconciler struct {
	jobs     *repository.JobRepository
	sermons  *repository.SermonRepository
	queue    *repository.QueueRepository
	batches  *BatchManager
	variants VariantResolver
	now      Clock
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	jobs *repository.JobRepository,
	sermons *repository.SermonRepository,
	queue *repository.QueueRepository,
	batches *BatchManager,
	variants VariantResolver,
) *Reconciler {
	return &Reconciler{
		jobs:     jobs,
		sermons:  sermons,
		queue:    queue,
		batches:  batches,
		variants: variants,
		now:      systemClock,
	}
}

// Run performs one pass. It is safe to run concurrently with workers:
// duplicate entries are absorbed by the job-level claims.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileStats, error) {
	ctx = logger.SetComponent(ctx, "reconciler")
	now := r.now()
	stats := &ReconcileStats{}

	expired, err := r.jobs.ListExpiredProcessing(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	for i := range expired {
		if ok, err := r.ensureEntry(ctx, domain.QueueKindProcess, expired[i].ID, now); err != nil {
			return nil, err
		} else if ok {
			stats.ExpiredLeases++
		}
	}

	due, err := r.jobs.ListDueRetries(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	for i := range due {
		kind := domain.QueueKindProcess
		if due[i].RetryTarget() == domain.JobStateApproved {
			kind = domain.QueueKindPublish
		}
		if ok, err := r.ensureEntry(ctx, kind, due[i].ID, now); err != nil {
			return nil, err
		} else if ok {
			stats.DueRetries++
		}
	}

	stranded, err := r.jobs.ListWithoutOpenEntry(ctx, domain.JobStatePending, domain.QueueKindProcess)
	if err != nil {
		return nil, fmt.Errorf("list stranded jobs: %w", err)
	}
	for i := range stranded {
		if err := r.queue.Enqueue(ctx, repository.NewEntry(domain.QueueKindProcess, stranded[i].ID, now)); err != nil {
			return nil, err
		}
		stats.StrandedJobs++
	}

	approved, err := r.jobs.ListWithoutOpenEntry(ctx, domain.JobStateApproved, domain.QueueKindPublish)
	if err != nil {
		return nil, fmt.Errorf("list unpublished jobs: %w", err)
	}
	for i := range approved {
		if err := r.queue.Enqueue(ctx, repository.NewEntry(domain.QueueKindPublish, approved[i].ID, now)); err != nil {
			return nil, err
		}
		stats.Unpublished++
	}

	orphans, err := r.sermons.ListOrphans(ctx, now.Add(-orphanGrace), 100)
	if err != nil {
		return nil, fmt.Errorf("list orphan sermons: %w", err)
	}
	groups := r.groupByVariant(orphans)
	for _, variant := range []domain.BatchVariant{domain.VariantSermon, domain.VariantYouTube} {
		group := groups[variant]
		if len(group) == 0 {
			continue
		}
		batch, err := r.batches.CreateBatch(ctx, variant, "reconcile", group)
		if errors.Is(err, domain.ErrSermonHasJob) {
			// an overlapping pass batched them first
			logger.CtxInfo(ctx, "Orphan %s sermons already batched: %v", variant, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("batch orphan sermons: %w", err)
		}
		stats.OrphanSermons += len(group)
		stats.OrphanBatchIDs = append(stats.OrphanBatchIDs, batch.ID)
	}

	logger.With(logger.Fields{
		"expired_leases": stats.ExpiredLeases,
		"due_retries":    stats.DueRetries,
		"stranded":       stats.StrandedJobs,
		"unpublished":    stats.Unpublished,
		"orphans":        stats.OrphanSermons,
	}).Info(ctx, "Reconciliation finished")
	return stats, nil
}

func (r *Reconciler) groupByVariant(sermons []*domain.Sermon) map[domain.BatchVariant][]*domain.Sermon {
	out := make(map[domain.BatchVariant][]*domain.Sermon)
	for _, s := range sermons {
		variant := domain.VariantSermon
		if r.variants != nil {
			variant = r.variants.VariantOf(s.SourceType)
		}
		out[variant] = append(out[variant], s)
	}
	return out
}

// ensureEntry enqueues kind for jobID unless an open entry already exists.
func (r *Reconciler) ensureEntry(ctx context.Context, kind domain.QueueKind, jobID string, now time.Time) (bool, error) {
	open, err := r.queue.HasOpen(ctx, kind, jobID)
	if err != nil {
		return false, err
	}
	if open {
		return false, nil
	}
	if err := r.queue.Enqueue(ctx, repository.NewEntry(kind, jobID, now)); err != nil {
		return false, err
	}
	return true, nil
}
