package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sermontube/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SermonRepository handles sermon data operations.
type SermonRepository struct {
	db *gorm.DB
}

// NewSermonRepository creates a new SermonRepository.
func NewSermonRepository(db *gorm.DB) *SermonRepository {
	return &SermonRepository{db: db}
}

// InsertNew persists every sermon whose (source_type, source_id) is not yet
// stored and returns only those. The check is the unique index itself, so two
// overlapping discovery runs can never both insert the same sermon.
//
// All rows are written in one transaction: on error nothing is persisted.
func (r *SermonRepository) InsertNew(ctx context.Context, sermons []*domain.Sermon) ([]*domain.Sermon, error) {
	var inserted []*domain.Sermon

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range sermons {
			if s.ID == "" {
				s.ID = uuid.New().String()
			}
			if s.DiscoveredAt.IsZero() {
				s.DiscoveredAt = time.Now().UTC()
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
				DoNothing: true,
			}).Create(s)
			if res.Error != nil {
				return fmt.Errorf("insert sermon %s/%s: %w", s.SourceType, s.SourceID, res.Error)
			}
			if res.RowsAffected == 1 {
				inserted = append(inserted, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetByID retrieves a sermon by its ID.
func (r *SermonRepository) GetByID(ctx context.Context, id string) (*domain.Sermon, error) {
	var s domain.Sermon
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sermon %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

// ListByIDs returns the sermons with the given IDs keyed by ID.
func (r *SermonRepository) ListByIDs(ctx context.Context, ids []string) (map[string]*domain.Sermon, error) {
	out := make(map[string]*domain.Sermon, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var sermons []domain.Sermon
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&sermons).Error; err != nil {
		return nil, err
	}
	for i := range sermons {
		out[sermons[i].ID] = &sermons[i]
	}
	return out, nil
}

// ListOrphans returns sermons discovered before the cutoff that never got a
// Job, oldest first. This happens when a process dies between discovery and
// batch creation.
func (r *SermonRepository) ListOrphans(ctx context.Context, discoveredBefore time.Time, limit int) ([]*domain.Sermon, error) {
	var sermons []*domain.Sermon
	err := r.db.WithContext(ctx).
		Where("discovered_at < ?", discoveredBefore.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.sermon_id = sermons.id)").
		Order("discovered_at ASC").
		Limit(limit).
		Find(&sermons).Error
	return sermons, err
}

// Count returns the total number of sermons.
func (r *SermonRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Sermon{}).Count(&count).Error
	return count, err
}
