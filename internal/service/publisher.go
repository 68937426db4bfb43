package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/oauth2"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/retry"
	"github.com/timmy/sermontube/internal/storage"
	"github.com/timmy/sermontube/internal/youtube"
)

// VideoUploader is the external upload capability.
type VideoUploader interface {
	Upload(ctx context.Context, v youtube.Video, media io.Reader) (string, error)
	SetThumbnail(ctx context.Context, videoID string, image io.Reader) error
	FindByMarker(ctx context.Context, marker string) (string, bool, error)
}

// CredentialProvider supplies a valid upload credential on demand.
// oauth2.TokenSource satisfies it.
type CredentialProvider interface {
	Token() (*oauth2.Token, error)
}

// Publisher uploads Approved jobs and commits the resulting video id
// together with the Published transition.
type Publisher struct {
	jobs     *repository.JobRepository
	store    storage.ObjectStorage
	uploader VideoUploader
	creds    CredentialProvider
	policy   retry.Policy
	lease    time.Duration
	events   events.Publisher
	now      Clock
}

// NewPublisher creates a Publisher.
func NewPublisher(
	jobs *repository.JobRepository,
	store storage.ObjectStorage,
	uploader VideoUploader,
	creds CredentialProvider,
	policy retry.Policy,
	lease time.Duration,
	pub events.Publisher,
) *Publisher {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Publisher{
		jobs:     jobs,
		store:    store,
		uploader: uploader,
		creds:    creds,
		policy:   policy,
		lease:    lease,
		events:   pub,
		now:      systemClock,
	}
}

// Publish uploads jobID as owner.
//
// Only Approved jobs can be published; anything else fails with
// ErrInvalidState. Before uploading, the channel is searched for a video
// carrying the job's marker so that an upload whose commit was lost is not
// repeated.
func (p *Publisher) Publish(ctx context.Context, jobID, owner string) error {
	ctx = logger.SetJobID(ctx, jobID)

	if _, err := p.jobs.ReviveIfDue(ctx, jobID, p.now()); err != nil {
		return err
	}

	job, err := p.jobs.ClaimForPublish(ctx, jobID, owner, p.now(), p.lease)
	if err != nil {
		if isNoop(err) {
			logger.CtxDebug(ctx, "Job already being published: %v", err)
			return nil
		}
		return err
	}
	ctx = logger.SetBatchID(ctx, job.BatchID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	go keepAlive(runCtx, p.jobs, job.ID, owner, domain.JobStateApproved, p.lease, p.now, func() {
		close(lost)
		cancel()
	})

	videoID, err := p.upload(runCtx, job)
	if err != nil {
		if ctx.Err() != nil {
			return domain.NewJobError("publish", job.ID, ctx.Err())
		}
		select {
		case <-lost:
			return domain.NewJobError("publish", job.ID, domain.ErrLeaseLost)
		default:
		}
		return p.fail(ctx, job, owner, err)
	}

	if err := p.jobs.MarkPublished(ctx, job.ID, owner, videoID, p.now()); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			logger.CtxWarn(ctx, "Lease lost after upload of %s; the next attempt will find it by marker", videoID)
			return domain.NewJobError("publish", job.ID, err)
		}
		return p.fail(ctx, job, owner, fmt.Errorf("commit video %s: %w", videoID, err))
	}

	if job.ThumbnailKey != "" {
		if err := p.setThumbnail(ctx, videoID, job.ThumbnailKey); err != nil {
			logger.CtxWarn(ctx, "Thumbnail not set on %s: %v", videoID, err)
		}
	}

	if updated, err := p.jobs.GetByID(ctx, job.ID); err == nil {
		p.events.Publish(events.JobUpdate(updated))
	}
	logger.With(logger.Fields{"video_id": videoID}).Info(ctx, "Job published")
	return nil
}

// upload returns the id of the job's video, reusing one a previous attempt
// already created.
func (p *Publisher) upload(ctx context.Context, job *domain.Job) (string, error) {
	if job.ExternalVideoID != "" {
		return job.ExternalVideoID, nil
	}
	// creds is the uploader's own token source; this fetch fills its cache
	// and fails fast before any media is read.
	if _, err := p.creds.Token(); err != nil {
		return "", youtube.Classify(err)
	}

	marker := domain.PublishMarker(job.ID)
	if id, found, err := p.uploader.FindByMarker(ctx, marker); err != nil {
		return "", fmt.Errorf("look up previous upload: %w", err)
	} else if found {
		logger.CtxInfo(ctx, "Found video %s from a previous attempt", id)
		return id, nil
	}

	if job.VideoKey == "" {
		return "", fmt.Errorf("%w: job has no rendered video", domain.ErrInvalidState)
	}
	media, err := p.store.Download(ctx, job.VideoKey)
	if err != nil {
		return "", domain.Transient(err)
	}
	defer media.Close()

	return p.uploader.Upload(ctx, youtube.Video{
		Title:       job.Title,
		Description: job.Description,
		Tags:        job.Tags,
		Marker:      marker,
	}, media)
}

func (p *Publisher) setThumbnail(ctx context.Context, videoID, key string) error {
	img, err := p.store.Download(ctx, key)
	if err != nil {
		return err
	}
	defer img.Close()
	return p.uploader.SetThumbnail(ctx, videoID, img)
}

func (p *Publisher) fail(ctx context.Context, job *domain.Job, owner string, cause error) error {
	return recordFailure(ctx, failureArgs{
		jobs:   p.jobs,
		events: p.events,
		policy: p.policy,
		now:    p.now(),
		job:    job,
		owner:  owner,
		from:   domain.JobStateApproved,
		stage:  domain.StagePublish,
		kind:   domain.QueueKindPublish,
		cause:  cause,
	})
}
