package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
)

// maxBulk caps the number of jobs one bulk request may touch.
const maxBulk = 100

// BulkOutcome is the result of a bulk operation for one job.
type BulkOutcome struct {
	JobID string          `json:"job_id"`
	OK    bool            `json:"ok"`
	State domain.JobState `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Review holds the manual interventions of the review queue: decisions on
// many jobs at once and restarting jobs whose retries ran out.
type Review struct {
	gate   *ApprovalGate
	jobs   *repository.JobRepository
	events events.Publisher
	now    Clock
}

// NewReview creates a Review.
func NewReview(gate *ApprovalGate, jobs *repository.JobRepository, pub events.Publisher) *Review {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Review{gate: gate, jobs: jobs, events: pub, now: systemClock}
}

// Retry restarts a permanently failed job with a fresh retry budget. A
// process-stage failure goes back to Pending, a publish-stage failure back to
// Approved.
func (r *Review) Retry(ctx context.Context, jobID, operatorID string) (*domain.Job, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator id is required", domain.ErrInvalidInput)
	}
	ctx = logger.SetJobID(ctx, jobID)

	job, err := r.jobs.RetryFailed(ctx, jobID, r.now())
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{"operator": operatorID, logger.FieldState: job.State}).
		Info(logger.SetBatchID(ctx, job.BatchID), "Failed job restarted")
	r.events.Publish(events.JobUpdate(job))
	return job, nil
}

// BulkDecide applies decision to each job independently. One job's refusal
// does not stop the others.
func (r *Review) BulkDecide(ctx context.Context, jobIDs []string, decision domain.Decision, deciderID string) ([]BulkOutcome, error) {
	if err := checkBulk(jobIDs); err != nil {
		return nil, err
	}
	if strings.TrimSpace(deciderID) == "" {
		return nil, fmt.Errorf("%w: decider id is required", domain.ErrInvalidInput)
	}
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return nil, fmt.Errorf("%w: decision must be approve or reject", domain.ErrInvalidInput)
	}

	out := make([]BulkOutcome, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := r.gate.Decide(ctx, id, decision, deciderID)
		out = append(out, r.outcome(ctx, id, job, err))
	}
	r.logBulk(ctx, string(decision), out)
	return out, nil
}

// BulkRetry restarts each permanently failed job in jobIDs.
func (r *Review) BulkRetry(ctx context.Context, jobIDs []string, operatorID string) ([]BulkOutcome, error) {
	if err := checkBulk(jobIDs); err != nil {
		return nil, err
	}
	if strings.TrimSpace(operatorID) == "" {
		return nil, fmt.Errorf("%w: operator id is required", domain.ErrInvalidInput)
	}

	out := make([]BulkOutcome, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := r.Retry(ctx, id, operatorID)
		out = append(out, r.outcome(ctx, id, job, err))
	}
	r.logBulk(ctx, "retry", out)
	return out, nil
}

func checkBulk(jobIDs []string) error {
	if len(jobIDs) == 0 {
		return fmt.Errorf("%w: no job ids given", domain.ErrInvalidInput)
	}
	if len(jobIDs) > maxBulk {
		return fmt.Errorf("%w: at most %d jobs per request", domain.ErrInvalidInput, maxBulk)
	}
	return nil
}

// outcome reports the job's current state next to a refusal so a reviewer
// sees why it was skipped.
func (r *Review) outcome(ctx context.Context, id string, job *domain.Job, err error) BulkOutcome {
	if err == nil {
		return BulkOutcome{JobID: id, OK: true, State: job.State}
	}
	o := BulkOutcome{JobID: id, Error: err.Error()}
	if current, getErr := r.jobs.GetByID(ctx, id); getErr == nil {
		o.State = current.State
	}
	return o
}

func (r *Review) logBulk(ctx context.Context, action string, out []BulkOutcome) {
	ok := 0
	for _, o := range out {
		if o.OK {
			ok++
		}
	}
	logger.With(logger.Fields{"action": action, "failed": len(out) - ok}).
		WithCount(ok).
		Info(logger.SetComponent(ctx, "review"), "Bulk operation finished")
}
