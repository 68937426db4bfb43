package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sermontube/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// leaseAttempts bounds how often Lease retries after losing a race for the
// same row to another worker.
const leaseAttempts = 3

// QueueRepository is the durable work queue backing the worker pool.
type QueueRepository struct {
	db *gorm.DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *gorm.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// NewEntry builds an unsaved entry that becomes visible at availableAt.
func NewEntry(kind domain.QueueKind, jobID string, availableAt time.Time) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:          uuid.New().String(),
		Kind:        kind,
		JobID:       jobID,
		AvailableAt: availableAt.UTC(),
	}
}

// Enqueue inserts entry.
func (r *QueueRepository) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// EnqueueTaskOnce inserts a task entry unless one of the same kind and
// payload is still open, so overlapping cron ticks and API triggers collapse
// into one run. The partial unique index idx_queue_task_open decides the
// race. Returns false when an open entry already existed.
func (r *QueueRepository) EnqueueTaskOnce(ctx context.Context, kind domain.QueueKind, payload string, now time.Time) (bool, error) {
	entry := NewEntry(kind, "", now)
	entry.Payload = payload
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// HasOpen reports whether an unfinished entry of kind exists for jobID.
func (r *QueueRepository) HasOpen(ctx context.Context, kind domain.QueueKind, jobID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.QueueEntry{}).
		Where("kind = ? AND job_id = ? AND done_at IS NULL", kind, jobID).
		Count(&count).Error
	return count > 0, err
}

// Lease claims the oldest visible entry for owner until now+lease. Returns
// nil, nil when nothing is due.
func (r *QueueRepository) Lease(ctx context.Context, owner string, now time.Time, lease time.Duration) (*domain.QueueEntry, error) {
	now = now.UTC()
	expires := now.Add(lease)

	for attempt := 0; attempt < leaseAttempts; attempt++ {
		var candidate domain.QueueEntry
		res := r.db.WithContext(ctx).
			Where("done_at IS NULL AND available_at <= ?", now).
			Where("(lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Order("available_at ASC").
			Limit(1).
			Find(&candidate)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}

		upd := r.db.WithContext(ctx).Model(&domain.QueueEntry{}).
			Where("id = ? AND done_at IS NULL", candidate.ID).
			Where("(lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Updates(map[string]interface{}{
				"lease_owner":      owner,
				"lease_expires_at": expires,
				"attempts":         gorm.Expr("attempts + 1"),
			})
		if upd.Error != nil {
			return nil, upd.Error
		}
		if upd.RowsAffected == 1 {
			candidate.LeaseOwner = owner
			candidate.LeaseExpiresAt = &expires
			candidate.Attempts++
			return &candidate, nil
		}
		// another worker won this row; look again
	}
	return nil, nil
}

// Ack marks the entry done. A lost lease makes Ack a no-op.
func (r *QueueRepository) Ack(ctx context.Context, id, owner string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.QueueEntry{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]interface{}{
			"done_at":          now.UTC(),
			"lease_expires_at": nil,
		}).Error
}

// Release gives the entry back, visible again at availableAt.
func (r *QueueRepository) Release(ctx context.Context, id, owner, lastError string, availableAt time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.QueueEntry{}).
		Where("id = ? AND lease_owner = ? AND done_at IS NULL", id, owner).
		Updates(map[string]interface{}{
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       lastError,
			"available_at":     availableAt.UTC(),
		}).Error
}

// PurgeDone deletes finished entries older than before.
func (r *QueueRepository) PurgeDone(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("done_at IS NOT NULL AND done_at < ?", before.UTC()).
		Delete(&domain.QueueEntry{})
	return res.RowsAffected, res.Error
}

// CountOpen returns the number of unfinished entries.
func (r *QueueRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.QueueEntry{}).Where("done_at IS NULL").Count(&count).Error
	return count, err
}
