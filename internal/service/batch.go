package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
)

// BatchManager creates batches and serves their aggregate progress.
type BatchManager struct {
	batches *repository.BatchRepository
	jobs    *repository.JobRepository
	events  events.Publisher
	now     Clock
}

// NewBatchManager creates a BatchManager.
func NewBatchManager(
	batches *repository.BatchRepository,
	jobs *repository.JobRepository,
	pub events.Publisher,
) *BatchManager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &BatchManager{
		batches: batches,
		jobs:    jobs,
		events:  pub,
		now:     systemClock,
	}
}

// CreateBatch persists one Batch and one Pending Job per sermon, plus the
// queue entries that hand the jobs to workers, in a single transaction.
func (m *BatchManager) CreateBatch(ctx context.Context, variant domain.BatchVariant, sourceName string, sermons []*domain.Sermon) (*domain.Batch, error) {
	if len(sermons) == 0 {
		return nil, fmt.Errorf("%w: a batch needs at least one sermon", domain.ErrInvalidInput)
	}
	if variant == "" {
		variant = domain.VariantSermon
	}
	if !variant.IsValid() {
		return nil, fmt.Errorf("%w: unknown variant %q", domain.ErrInvalidInput, variant)
	}

	now := m.now()
	batch := &domain.Batch{
		ID:        uuid.New().String(),
		Variant:   variant,
		Source:    sourceName,
		JobCount:  len(sermons),
		CreatedAt: now,
	}

	jobs := make([]*domain.Job, 0, len(sermons))
	entries := make([]*domain.QueueEntry, 0, len(sermons))
	for i, s := range sermons {
		if s == nil || s.ID == "" {
			return nil, fmt.Errorf("%w: sermon %d is not stored", domain.ErrInvalidInput, i)
		}
		job := &domain.Job{
			ID:        uuid.New().String(),
			BatchID:   batch.ID,
			SermonID:  s.ID,
			Position:  i,
			State:     domain.JobStatePending,
			Title:     s.Title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		jobs = append(jobs, job)
		entries = append(entries, repository.NewEntry(domain.QueueKindProcess, job.ID, now))
	}

	if err := m.batches.CreateWithJobs(ctx, batch, jobs, entries); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	ctx = logger.SetBatchID(ctx, batch.ID)
	logger.With(logger.Fields{"variant": variant, logger.FieldSource: sourceName}).
		WithCount(len(jobs)).
		Info(ctx, "Batch created")
	m.events.Publish(events.Event{
		Type:      events.TypeBatchCreated,
		BatchID:   batch.ID,
		Count:     len(jobs),
		Timestamp: now,
	})
	return batch, nil
}

// GetStatus aggregates the batch's jobs as currently committed.
func (m *BatchManager) GetStatus(ctx context.Context, batchID string) (domain.BatchStatus, error) {
	if _, err := m.batches.GetByID(ctx, batchID); err != nil {
		return "", err
	}
	jobs, err := m.jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	status, _ := domain.Aggregate(jobs)
	return status, nil
}

// GetProgress returns the status, percentage and per-job lines of a batch.
func (m *BatchManager) GetProgress(ctx context.Context, batchID string) (*domain.BatchProgress, error) {
	batch, err := m.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	jobs, err := m.jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	status, percent := domain.Aggregate(jobs)
	p := &domain.BatchProgress{
		ID:        batch.ID,
		Variant:   batch.Variant,
		Status:    status,
		Percent:   percent,
		Total:     len(jobs),
		CreatedAt: batch.CreatedAt,
		Jobs:      make([]domain.JobSummary, 0, len(jobs)),
	}
	for i := range jobs {
		j := &jobs[i]
		if j.IsTerminalStage() {
			p.Terminal++
		}
		p.Jobs = append(p.Jobs, domain.JobSummary{
			ID:              j.ID,
			SermonID:        j.SermonID,
			Title:           j.Title,
			State:           j.State,
			Progress:        j.Progress,
			RetryCount:      j.RetryCount,
			ErrorDetail:     j.ErrorDetail,
			ExternalVideoID: j.ExternalVideoID,
		})
	}
	p.EstimatedCompletion = estimateCompletion(batch.CreatedAt, m.now(), p.Terminal, p.Total)
	return p, nil
}

// ListRecent returns the newest batches of variant (all when empty).
func (m *BatchManager) ListRecent(ctx context.Context, variant domain.BatchVariant, limit, offset int) ([]domain.Batch, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return m.batches.ListRecent(ctx, variant, limit, offset)
}

// estimateCompletion extrapolates the time per finished job to the rest of
// the batch. Nil until the first job finishes or once all have.
func estimateCompletion(created, now time.Time, terminal, total int) *time.Time {
	if terminal == 0 || terminal >= total {
		return nil
	}
	elapsed := now.Sub(created)
	if elapsed <= 0 {
		return nil
	}
	perJob := elapsed / time.Duration(terminal)
	eta := now.Add(perJob * time.Duration(total-terminal)).UTC()
	return &eta
}
