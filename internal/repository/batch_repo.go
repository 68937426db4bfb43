package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/timmy/sermontube/internal/domain"
	"gorm.io/gorm"
)

// BatchRepository handles batch data operations.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// CreateWithJobs persists the batch, its jobs and their first queue entries
// in a single transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: batch row to insert.
//   - jobs: jobs belonging to the batch, already positioned.
//   - entries: queue entries to publish the jobs to workers.
//
// Returns:
//   - error: non-nil if any insert fails; nothing is persisted in that case.
//     ErrSermonHasJob when one of the sermons already has a job.
func (r *BatchRepository) CreateWithJobs(ctx context.Context, batch *domain.Batch, jobs []*domain.Job, entries []*domain.QueueEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if len(jobs) > 0 {
			if err := tx.Create(&jobs).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("insert jobs: %w", domain.ErrSermonHasJob)
				}
				return fmt.Errorf("insert jobs: %w", err)
			}
		}
		if len(entries) > 0 {
			if err := tx.Create(&entries).Error; err != nil {
				return fmt.Errorf("insert queue entries: %w", err)
			}
		}
		return nil
	})
}

// GetByID retrieves a batch by its ID.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &b, nil
}

// ListRecent returns the newest batches first. An empty variant lists all.
func (r *BatchRepository) ListRecent(ctx context.Context, variant domain.BatchVariant, limit, offset int) ([]domain.Batch, error) {
	var batches []domain.Batch
	q := r.db.WithContext(ctx).Model(&domain.Batch{})
	if variant != "" {
		q = q.Where("variant = ?", variant)
	}
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&batches).Error
	return batches, err
}

// isUniqueViolation matches duplicate-key errors whether or not the driver
// translated them to gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
