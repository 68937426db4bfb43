package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sermontube/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles job data operations. Every state change is a single
// conditional UPDATE on the expected prior state (and lease owner where one
// applies), so concurrent workers serialize on the row instead of on a lock
// held across external calls.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// ProcessResult is what a successful processing run stores on the Job.
type ProcessResult struct {
	VideoKey     string
	ThumbnailKey string
	Title        string
	Description  string
	Tags         []string
}

// Failure describes a failed attempt to be recorded on the Job.
type Failure struct {
	Stage       domain.JobStage
	Detail      string
	RetryCount  int        // value after the increment
	NextRetryAt *time.Time // nil when the retry budget is exhausted
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(r.db.WithContext(ctx), id)
}

func getJob(db *gorm.DB, id string) (*domain.Job, error) {
	var job domain.Job
	if err := db.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// ListByBatch returns a batch's jobs in creation order.
func (r *JobRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("position ASC").
		Find(&jobs).Error
	return jobs, err
}

// ListByState returns jobs in state, oldest first. An empty state lists all.
func (r *JobRepository) ListByState(ctx context.Context, state domain.JobState, limit, offset int) ([]domain.Job, error) {
	var jobs []domain.Job
	q := r.db.WithContext(ctx).Model(&domain.Job{})
	if state != "" {
		q = q.Where("state = ?", state)
	}
	err := q.Order("created_at ASC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, err
}

// ClaimForProcessing moves a Pending job (or a Processing job whose lease
// expired) to Processing owned by owner, and returns the claimed row.
//
// Returns ErrLeaseHeld when another worker owns the job; callers treat this as
// a no-op. Any other state yields ErrInvalidState.
func (r *JobRepository) ClaimForProcessing(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*domain.Job, error) {
	if err := domain.CheckTransition(domain.JobStatePending, domain.JobStateProcessing); err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(domain.JobStateProcessing, domain.JobStateProcessing); err != nil {
		return nil, err
	}
	now = now.UTC()
	expires := now.Add(lease)

	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Where("(state = ? OR (state = ? AND lease_expires_at < ?))",
			domain.JobStatePending, domain.JobStateProcessing, now).
		Updates(map[string]interface{}{
			"state":            domain.JobStateProcessing,
			"progress":         0,
			"lease_owner":      owner,
			"lease_expires_at": expires,
			"started_at":       now,
			"error_detail":     "",
			"next_retry_at":    nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.claimRefusal(ctx, id, now, domain.JobStatePending, domain.JobStateProcessing)
	}
	return r.GetByID(ctx, id)
}

// ClaimForPublish leases an Approved job for owner without changing its
// state. Publishing anything that is not Approved fails with ErrInvalidState.
func (r *JobRepository) ClaimForPublish(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*domain.Job, error) {
	now = now.UTC()
	expires := now.Add(lease)

	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ?", id, domain.JobStateApproved).
		Where("(lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)", now).
		Updates(map[string]interface{}{
			"lease_owner":      owner,
			"lease_expires_at": expires,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.claimRefusal(ctx, id, now, domain.JobStateApproved, domain.JobStateApproved)
	}
	return r.GetByID(ctx, id)
}

// claimRefusal explains why a claim UPDATE matched no row.
func (r *JobRepository) claimRefusal(ctx context.Context, id string, now time.Time, want, leased domain.JobState) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.State == leased && job.LeaseActive(now) {
		return fmt.Errorf("job %s owned by %s: %w", id, job.LeaseOwner, domain.ErrLeaseHeld)
	}
	return fmt.Errorf("job %s is %s, want %s: %w", id, job.State, want, domain.ErrInvalidState)
}

// UpdateProgress records a higher progress value and extends the lease.
// Lower or equal values are discarded. Returns ErrLeaseLost when owner no
// longer holds the job.
func (r *JobRepository) UpdateProgress(ctx context.Context, id, owner string, progress int, now time.Time, lease time.Duration) error {
	now = now.UTC()

	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ? AND lease_owner = ? AND lease_expires_at >= ?",
			id, domain.JobStateProcessing, owner, now).
		Where("progress < ?", progress).
		Updates(map[string]interface{}{
			"progress":         progress,
			"lease_expires_at": now.Add(lease),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Nothing changed: either a stale value or the lease is gone.
	return r.ExtendLease(ctx, id, owner, domain.JobStateProcessing, now, lease)
}

// ExtendLease pushes the lease of a job owner holds in state out to now+lease.
func (r *JobRepository) ExtendLease(ctx context.Context, id, owner string, state domain.JobState, now time.Time, lease time.Duration) error {
	now = now.UTC()
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ? AND lease_owner = ? AND lease_expires_at >= ?", id, state, owner, now).
		Update("lease_expires_at", now.Add(lease))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrLeaseLost)
	}
	return nil
}

// CompleteProcessing moves a job owner is processing to AwaitingApproval.
func (r *JobRepository) CompleteProcessing(ctx context.Context, id, owner string, result ProcessResult) error {
	if err := domain.CheckTransition(domain.JobStateProcessing, domain.JobStateAwaitingApproval); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ? AND lease_owner = ?", id, domain.JobStateProcessing, owner).
		Updates(map[string]interface{}{
			"state":            domain.JobStateAwaitingApproval,
			"progress":         100,
			"video_key":        result.VideoKey,
			"thumbnail_key":    result.ThumbnailKey,
			"title":            result.Title,
			"description":      result.Description,
			"tags":             domain.StringArray(result.Tags),
			"error_detail":     "",
			"failed_stage":     "",
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete job %s: %w", id, domain.ErrLeaseLost)
	}
	return nil
}

// Fail moves a job owner holds in from to Failed, recording f. When retry is
// non-nil it is enqueued in the same transaction.
func (r *JobRepository) Fail(ctx context.Context, id, owner string, from domain.JobState, f Failure, retry *domain.QueueEntry) error {
	if err := domain.CheckTransition(from, domain.JobStateFailed); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ? AND lease_owner = ?", id, from, owner).
			Updates(map[string]interface{}{
				"state":            domain.JobStateFailed,
				"error_detail":     f.Detail,
				"failed_stage":     f.Stage,
				"retry_count":      f.RetryCount,
				"next_retry_at":    f.NextRetryAt,
				"lease_owner":      "",
				"lease_expires_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("fail job %s: %w", id, domain.ErrLeaseLost)
		}
		if retry != nil {
			if err := tx.Create(retry).Error; err != nil {
				return fmt.Errorf("enqueue retry: %w", err)
			}
		}
		return nil
	})
}

// ReviveIfDue moves a Failed job whose scheduled retry is due back to the
// state its failed stage restarts from. Returns false when the job is not a
// due retry (already revived, not yet due, or permanently failed).
func (r *JobRepository) ReviveIfDue(ctx context.Context, id string, now time.Time) (bool, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job.State != domain.JobStateFailed || job.NextRetryAt == nil || job.NextRetryAt.After(now) {
		return false, nil
	}
	if err := domain.CheckTransition(job.State, job.RetryTarget()); err != nil {
		return false, err
	}

	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			id, domain.JobStateFailed, now.UTC()).
		Updates(map[string]interface{}{
			"state":         job.RetryTarget(),
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Decide records a human decision on an AwaitingApproval job. publish, when
// non-nil, is enqueued in the same transaction. A job in any other state is
// left untouched and ErrInvalidState is returned.
func (r *JobRepository) Decide(ctx context.Context, id string, decision domain.Decision, decider string, now time.Time, publish *domain.QueueEntry) (*domain.Job, error) {
	if err := domain.CheckTransition(domain.JobStateAwaitingApproval, decision.TargetState()); err != nil {
		return nil, err
	}
	var out *domain.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", id, domain.JobStateAwaitingApproval).
			Updates(map[string]interface{}{
				"state":      decision.TargetState(),
				"decision":   decision,
				"decided_by": decider,
				"decided_at": now.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job, err := getJob(tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("job %s is %s: %w", id, job.State, domain.ErrInvalidState)
		}
		if publish != nil {
			if err := tx.Create(publish).Error; err != nil {
				return fmt.Errorf("enqueue publish: %w", err)
			}
		}

		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkPublished commits the external video id together with the Published
// transition.
func (r *JobRepository) MarkPublished(ctx context.Context, id, owner, videoID string, now time.Time) error {
	if err := domain.CheckTransition(domain.JobStateApproved, domain.JobStatePublished); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND state = ? AND lease_owner = ?", id, domain.JobStateApproved, owner).
		Updates(map[string]interface{}{
			"state":             domain.JobStatePublished,
			"external_video_id": videoID,
			"published_at":      now.UTC(),
			"error_detail":      "",
			"failed_stage":      "",
			"lease_owner":       "",
			"lease_expires_at":  nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("publish job %s: %w", id, domain.ErrLeaseLost)
	}
	return nil
}

// RetryFailed restarts a permanently Failed job from the state its failed
// stage resumes at, with a fresh retry budget, and enqueues the entry that
// drives it in the same transaction. A job with a retry still scheduled, or
// in any state other than Failed, yields ErrInvalidState.
func (r *JobRepository) RetryFailed(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	var out *domain.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job.State != domain.JobStateFailed {
			return fmt.Errorf("job %s is %s: %w", id, job.State, domain.ErrInvalidState)
		}
		if job.NextRetryAt != nil {
			return fmt.Errorf("job %s already has a retry scheduled: %w", id, domain.ErrInvalidState)
		}
		target := job.RetryTarget()
		if err := domain.CheckTransition(job.State, target); err != nil {
			return err
		}

		res := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ? AND next_retry_at IS NULL AND failed_stage = ?",
				id, domain.JobStateFailed, job.FailedStage).
			Updates(map[string]interface{}{
				"state":         target,
				"retry_count":   0,
				"error_detail":  "",
				"failed_stage":  "",
				"next_retry_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s changed concurrently: %w", id, domain.ErrInvalidState)
		}

		kind := domain.QueueKindProcess
		if target == domain.JobStateApproved {
			kind = domain.QueueKindPublish
		}
		if err := tx.Create(NewEntry(kind, id, now)).Error; err != nil {
			return fmt.Errorf("enqueue retry: %w", err)
		}

		out, err = getJob(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListExpiredProcessing returns Processing jobs whose lease has run out.
func (r *JobRepository) ListExpiredProcessing(ctx context.Context, now time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("state = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)", domain.JobStateProcessing, now.UTC()).
		Find(&jobs).Error
	return jobs, err
}

// ListDueRetries returns Failed jobs whose scheduled retry time has passed.
func (r *JobRepository) ListDueRetries(ctx context.Context, now time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", domain.JobStateFailed, now.UTC()).
		Find(&jobs).Error
	return jobs, err
}

// ListWithoutOpenEntry returns jobs in state that have no unfinished queue
// entry of kind. These are jobs a lost or purged entry left stranded.
func (r *JobRepository) ListWithoutOpenEntry(ctx context.Context, state domain.JobState, kind domain.QueueKind) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Where("NOT EXISTS (SELECT 1 FROM queue_entries q WHERE q.job_id = jobs.id AND q.kind = ? AND q.done_at IS NULL)", kind).
		Find(&jobs).Error
	return jobs, err
}

// ListFinishedBefore returns jobs in one of states last updated before cutoff
// that still reference stored artifacts.
func (r *JobRepository) ListFinishedBefore(ctx context.Context, states []domain.JobState, cutoff time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", states, cutoff.UTC()).
		Where("(video_key <> '' OR thumbnail_key <> '')").
		Find(&jobs).Error
	return jobs, err
}

// ClearArtifacts forgets the storage keys of a job whose files were deleted.
func (r *JobRepository) ClearArtifacts(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"video_key":     "",
			"thumbnail_key": "",
		}).Error
}

// CountByState returns job counts grouped by state.
func (r *JobRepository) CountByState(ctx context.Context) (map[domain.JobState]int64, error) {
	var rows []struct {
		State domain.JobState
		Count int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.JobState]int64, len(rows))
	for _, row := range rows {
		out[row.State] = row.Count
	}
	return out, nil
}
