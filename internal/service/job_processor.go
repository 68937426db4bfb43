package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/processor"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/retry"
)

const maxErrorDetail = 2000

// JobProcessor drives one Job from Pending through the render pipeline to
// AwaitingApproval or Failed.
type JobProcessor struct {
	jobs      *repository.JobRepository
	sermons   *repository.SermonRepository
	processor processor.VideoProcessor
	policy    retry.Policy
	lease     time.Duration
	events    events.Publisher
	now       Clock
}

// NewJobProcessor creates a JobProcessor.
func NewJobProcessor(
	jobs *repository.JobRepository,
	sermons *repository.SermonRepository,
	vp processor.VideoProcessor,
	policy retry.Policy,
	lease time.Duration,
	pub events.Publisher,
) *JobProcessor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &JobProcessor{
		jobs:      jobs,
		sermons:   sermons,
		processor: vp,
		policy:    policy,
		lease:     lease,
		events:    pub,
		now:       systemClock,
	}
}

// Process runs the pipeline for jobID as owner.
//
// A job another worker holds is a no-op. Pipeline failures are recorded on
// the job (Failed plus a scheduled retry while the budget lasts) and are not
// returned. A lost lease aborts the run without any transition; the next
// owner starts over.
func (p *JobProcessor) Process(ctx context.Context, jobID, owner string) error {
	ctx = logger.SetJobID(ctx, jobID)

	if _, err := p.jobs.ReviveIfDue(ctx, jobID, p.now()); err != nil {
		return err
	}

	job, err := p.jobs.ClaimForProcessing(ctx, jobID, owner, p.now(), p.lease)
	if err != nil {
		if isNoop(err) {
			logger.CtxDebug(ctx, "Job already being processed: %v", err)
			return nil
		}
		return err
	}
	ctx = logger.SetBatchID(ctx, job.BatchID)
	p.events.Publish(events.JobUpdate(job))
	logger.CtxInfo(ctx, "Processing started (attempt %d)", job.RetryCount+1)

	sermon, err := p.sermons.GetByID(ctx, job.SermonID)
	if err != nil {
		return p.fail(ctx, job, owner, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	go p.heartbeat(runCtx, job.ID, owner, cancel, lost)

	stream, err := p.processor.Process(runCtx, processor.Request{JobID: job.ID, Sermon: sermon})
	if err != nil {
		return p.fail(ctx, job, owner, err)
	}

	for ev := range stream {
		select {
		case <-lost:
			return p.abandon(ctx, job)
		default:
		}
		// shutting down: leave the job to be picked up after its lease expires
		if ctx.Err() != nil {
			return p.abandon(ctx, job)
		}

		if ev.Done() {
			if ev.Err != nil {
				return p.fail(ctx, job, owner, fmt.Errorf("%s: %w", ev.Stage, ev.Err))
			}
			return p.complete(ctx, job, owner, ev.Result)
		}

		err := p.jobs.UpdateProgress(ctx, job.ID, owner, ev.Percent, p.now(), p.lease)
		if errors.Is(err, domain.ErrLeaseLost) {
			return p.abandon(ctx, job)
		}
		if err != nil {
			return p.fail(ctx, job, owner, err)
		}
		if ev.Percent > job.Progress {
			job.Progress = ev.Percent
			p.events.Publish(events.Event{
				Type:      events.TypeJobUpdate,
				BatchID:   job.BatchID,
				JobID:     job.ID,
				State:     domain.JobStateProcessing,
				Stage:     string(ev.Stage),
				Progress:  ev.Percent,
				Timestamp: p.now(),
			})
		}
	}

	select {
	case <-lost:
		return p.abandon(ctx, job)
	default:
	}
	if ctx.Err() != nil {
		return p.abandon(ctx, job)
	}
	return p.fail(ctx, job, owner, errors.New("processor stream ended without a result"))
}

func (p *JobProcessor) complete(ctx context.Context, job *domain.Job, owner string, res *processor.Result) error {
	err := p.jobs.CompleteProcessing(ctx, job.ID, owner, repository.ProcessResult{
		VideoKey:     res.VideoKey,
		ThumbnailKey: res.ThumbnailKey,
		Title:        res.Metadata.Title,
		Description:  res.Metadata.Description,
		Tags:         res.Metadata.Tags,
	})
	if errors.Is(err, domain.ErrLeaseLost) {
		return p.abandon(ctx, job)
	}
	if err != nil {
		return err
	}

	updated, err := p.jobs.GetByID(ctx, job.ID)
	if err == nil {
		p.events.Publish(events.JobUpdate(updated))
	}
	logger.CtxInfo(ctx, "Processing finished, awaiting approval")
	return nil
}

// fail records cause on the job and schedules a retry while the budget lasts.
func (p *JobProcessor) fail(ctx context.Context, job *domain.Job, owner string, cause error) error {
	return recordFailure(ctx, failureArgs{
		jobs:   p.jobs,
		events: p.events,
		policy: p.policy,
		now:    p.now(),
		job:    job,
		owner:  owner,
		from:   domain.JobStateProcessing,
		stage:  domain.StageProcess,
		kind:   domain.QueueKindProcess,
		cause:  cause,
	})
}

func (p *JobProcessor) abandon(ctx context.Context, job *domain.Job) error {
	if ctx.Err() != nil {
		logger.CtxWarn(ctx, "Run interrupted, job stays leased until expiry")
		return domain.NewJobError("process", job.ID, ctx.Err())
	}
	logger.CtxWarn(ctx, "Lease on job lost, abandoning run")
	return domain.NewJobError("process", job.ID, domain.ErrLeaseLost)
}

// heartbeat keeps the lease alive while a stage runs longer than the lease
// and cancels the run once the lease is gone.
func (p *JobProcessor) heartbeat(ctx context.Context, jobID, owner string, cancel context.CancelFunc, lost chan<- struct{}) {
	keepAlive(ctx, p.jobs, jobID, owner, domain.JobStateProcessing, p.lease, p.now, func() {
		close(lost)
		cancel()
	})
}

// keepAlive extends the lease every third of its length until ctx ends.
// onLost runs once if an extension finds the lease gone.
func keepAlive(ctx context.Context, jobs *repository.JobRepository, jobID, owner string, state domain.JobState, lease time.Duration, now Clock, onLost func()) {
	interval := lease / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := jobs.ExtendLease(ctx, jobID, owner, state, now(), lease)
			if errors.Is(err, domain.ErrLeaseLost) {
				onLost()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.CtxWarn(ctx, "Lease extension failed: %v", err)
			}
		}
	}
}

type failureArgs struct {
	jobs   *repository.JobRepository
	events events.Publisher
	policy retry.Policy
	now    time.Time
	job    *domain.Job
	owner  string
	from   domain.JobState
	stage  domain.JobStage
	kind   domain.QueueKind
	cause  error
}

// recordFailure moves a job to Failed with the retry decision of the policy.
// Exhausted jobs keep a PermanentFailure detail and no retry time.
func recordFailure(ctx context.Context, a failureArgs) error {
	outcome := a.policy.Next(a.job.RetryCount, a.cause, a.now)

	detail := a.cause.Error()
	var retryEntry *domain.QueueEntry
	if outcome.Exhausted() {
		detail = fmt.Errorf("%w: %v", domain.ErrPermanentFailure, a.cause).Error()
	} else {
		retryEntry = repository.NewEntry(a.kind, a.job.ID, *outcome.NextRetryAt)
	}

	err := a.jobs.Fail(ctx, a.job.ID, a.owner, a.from, repository.Failure{
		Stage:       a.stage,
		Detail:      truncate(detail, maxErrorDetail),
		RetryCount:  outcome.RetryCount,
		NextRetryAt: outcome.NextRetryAt,
	}, retryEntry)
	if errors.Is(err, domain.ErrLeaseLost) {
		logger.CtxWarn(ctx, "Lease lost before failure could be recorded: %v", a.cause)
		return domain.NewJobError(string(a.stage), a.job.ID, domain.ErrLeaseLost)
	}
	if err != nil {
		return fmt.Errorf("record failure of job %s: %w", a.job.ID, err)
	}

	fields := logger.Fields{logger.FieldAttempt: outcome.RetryCount, "stage": a.stage}
	if outcome.Exhausted() {
		logger.With(fields).Error(ctx, "Job failed permanently: %v", a.cause)
	} else {
		fields["next_retry_at"] = outcome.NextRetryAt.Format(time.RFC3339)
		logger.With(fields).Warn(ctx, "Job failed, retry scheduled: %v", a.cause)
	}

	if updated, err := a.jobs.GetByID(ctx, a.job.ID); err == nil {
		a.events.Publish(events.JobUpdate(updated))
	}
	return nil
}
