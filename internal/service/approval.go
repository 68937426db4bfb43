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

// ApprovalGate records human review decisions.
type ApprovalGate struct {
	jobs   *repository.JobRepository
	events events.Publisher
	now    Clock
}

// NewApprovalGate creates an ApprovalGate.
func NewApprovalGate(jobs *repository.JobRepository, pub events.Publisher) *ApprovalGate {
	if pub == nil {
		pub = events.Nop{}
	}
	return &ApprovalGate{jobs: jobs, events: pub, now: systemClock}
}

// Decide applies decision to an AwaitingApproval job. Approval enqueues the
// job for publishing in the same transaction. A job in any other state,
// including one already decided, fails with ErrInvalidState and is left
// untouched.
func (g *ApprovalGate) Decide(ctx context.Context, jobID string, decision domain.Decision, deciderID string) (*domain.Job, error) {
	deciderID = strings.TrimSpace(deciderID)
	if deciderID == "" {
		return nil, fmt.Errorf("%w: decider id is required", domain.ErrInvalidInput)
	}
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return nil, fmt.Errorf("%w: decision must be approve or reject", domain.ErrInvalidInput)
	}
	ctx = logger.SetJobID(ctx, jobID)

	now := g.now()
	var publish *domain.QueueEntry
	if decision == domain.DecisionApprove {
		publish = repository.NewEntry(domain.QueueKindPublish, jobID, now)
	}

	job, err := g.jobs.Decide(ctx, jobID, decision, deciderID, now, publish)
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{"decision": decision, "decided_by": deciderID}).
		Info(logger.SetBatchID(ctx, job.BatchID), "Job decided")
	g.events.Publish(events.JobUpdate(job))
	return job, nil
}
