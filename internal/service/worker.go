package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
)

// maxEntryAttempts bounds redelivery of an entry whose handler hit an
// infrastructure error (database down, panic).
const maxEntryAttempts = 5

// Handler processes one leased queue entry as workerID.
type Handler func(ctx context.Context, workerID string, entry *domain.QueueEntry) error

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	QueueLease   time.Duration
}

// WorkerPool runs a fixed number of workers that lease entries from the
// durable queue and dispatch them by kind.
type WorkerPool struct {
	queue    *repository.QueueRepository
	handlers map[domain.QueueKind]Handler
	cfg      WorkerPoolConfig
	wake     chan struct{}
	wg       sync.WaitGroup
	prefix   string
	now      Clock
}

// NewWorkerPool creates a pool. Register handlers before Start.
func NewWorkerPool(queue *repository.QueueRepository, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.QueueLease <= 0 {
		cfg.QueueLease = 30 * time.Minute
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &WorkerPool{
		queue:    queue,
		handlers: make(map[domain.QueueKind]Handler),
		cfg:      cfg,
		wake:     make(chan struct{}, cfg.Workers),
		prefix:   fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		now:      systemClock,
	}
}

// Handle registers h for kind.
func (p *WorkerPool) Handle(kind domain.QueueKind, h Handler) {
	p.handlers[kind] = h
}

// Notify wakes idle workers so freshly enqueued work starts without waiting
// for the next poll.
func (p *WorkerPool) Notify() {
	for i := 0; i < cap(p.wake); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.prefix, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	logger.CtxInfo(ctx, "Started %d workers", p.cfg.Workers)
}

// Wait blocks until every worker has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) loop(ctx context.Context, workerID string) {
	ctx = logger.SetWorkerID(ctx, workerID)
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := p.step(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			logger.CtxError(ctx, "Queue lease failed: %v", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Drain processes entries on the calling goroutine until nothing is due.
// Used by the one-shot CLI and tests.
func (p *WorkerPool) Drain(ctx context.Context) (int, error) {
	workerID := p.prefix + "-drain"
	ctx = logger.SetWorkerID(ctx, workerID)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		worked, err := p.step(ctx, workerID)
		if err != nil {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
	}
}

// step leases and handles one entry. It reports false when nothing was due.
func (p *WorkerPool) step(ctx context.Context, workerID string) (bool, error) {
	entry, err := p.queue.Lease(ctx, workerID, p.now(), p.cfg.QueueLease)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	p.handle(ctx, workerID, entry)
	return true, nil
}

func (p *WorkerPool) handle(ctx context.Context, workerID string, entry *domain.QueueEntry) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldQueueID: entry.ID,
		logger.FieldTask:    entry.Kind,
	})
	if entry.JobID != "" {
		ctx = logger.SetJobID(ctx, entry.JobID)
	}
	start := time.Now()

	err := p.dispatch(ctx, workerID, entry)
	log := logger.With(logger.Fields{logger.FieldAttempt: entry.Attempts}).WithDuration(time.Since(start))

	switch {
	case err == nil:
		log.Debug(ctx, "Entry done")
	case ctx.Err() != nil:
		// shutting down: hand the entry back for another worker
		p.release(context.WithoutCancel(ctx), workerID, entry, err, p.now())
		return
	case settled(err) || entry.Attempts >= maxEntryAttempts:
		log.Warn(ctx, "Entry finished with error: %v", err)
	default:
		delay := time.Duration(entry.Attempts) * p.cfg.PollInterval * 5
		log.Warn(ctx, "Entry failed, redelivering in %s: %v", delay, err)
		p.release(ctx, workerID, entry, err, p.now().Add(delay))
		return
	}

	if err := p.queue.Ack(ctx, entry.ID, workerID, p.now()); err != nil {
		logger.CtxError(ctx, "Ack failed: %v", err)
	}
}

func (p *WorkerPool) dispatch(ctx context.Context, workerID string, entry *domain.QueueEntry) (err error) {
	h, ok := p.handlers[entry.Kind]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", domain.ErrInvalidInput, entry.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, workerID, entry)
}

func (p *WorkerPool) release(ctx context.Context, workerID string, entry *domain.QueueEntry, cause error, at time.Time) {
	if err := p.queue.Release(ctx, entry.ID, workerID, truncate(cause.Error(), maxErrorDetail), at); err != nil {
		logger.CtxError(ctx, "Release failed: %v", err)
	}
}

// settled reports whether redelivering the entry cannot change the outcome:
// the job refused the operation, is gone, or moved on under another owner.
// Task errors are settled too; the next scheduled tick retries them.
func settled(err error) bool {
	var jobErr *domain.JobError
	return errors.As(err, &jobErr) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrLeaseLost) ||
		errors.Is(err, domain.ErrTransientExternal)
}

// RegisterHandlers routes every queue kind to its service.
func RegisterHandlers(
	pool *WorkerPool,
	jobs *JobProcessor,
	publisher *Publisher,
	automation *Automation,
	reconciler *Reconciler,
	cleanup *CleanupService,
) {
	pool.Handle(domain.QueueKindProcess, func(ctx context.Context, workerID string, e *domain.QueueEntry) error {
		return jobs.Process(ctx, e.JobID, workerID)
	})
	pool.Handle(domain.QueueKindPublish, func(ctx context.Context, workerID string, e *domain.QueueEntry) error {
		return publisher.Publish(ctx, e.JobID, workerID)
	})
	pool.Handle(domain.QueueKindDiscover, func(ctx context.Context, _ string, e *domain.QueueEntry) error {
		variant := domain.BatchVariant(e.Payload)
		if variant == "" {
			variant = domain.VariantSermon
		}
		batch, err := automation.RunDiscovery(ctx, variant)
		if batch != nil {
			pool.Notify()
		}
		return err
	})
	pool.Handle(domain.QueueKindReconcile, func(ctx context.Context, _ string, _ *domain.QueueEntry) error {
		stats, err := reconciler.Run(ctx)
		if stats != nil && stats.ExpiredLeases+stats.DueRetries+stats.StrandedJobs+stats.Unpublished+stats.OrphanSermons > 0 {
			pool.Notify()
		}
		return err
	})
	pool.Handle(domain.QueueKindCleanup, func(ctx context.Context, _ string, _ *domain.QueueEntry) error {
		_, err := cleanup.Run(ctx)
		return err
	})
}
