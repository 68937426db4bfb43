package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
)

// Notifier is woken after work is enqueued.
type Notifier interface {
	Notify()
}

// Scheduler turns cron ticks and API triggers into task queue entries.
type Scheduler struct {
	queue    *repository.QueueRepository
	notifier Notifier
	cfg      config.SchedulerConfig
	variants []domain.BatchVariant
	cron     *cron.Cron
	now      Clock
}

// NewScheduler creates a Scheduler that runs discovery for each of variants.
// It validates every cron expression up front.
func NewScheduler(
	queue *repository.QueueRepository,
	notifier Notifier,
	cfg config.SchedulerConfig,
	variants []domain.BatchVariant,
) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		variants: variants,
		cron:     cron.New(cron.WithLogger(cron.PrintfLogger(logger.GetDefault()))),
		now:      systemClock,
	}

	if _, err := s.cron.AddFunc(cfg.DiscoveryCron, s.tick(domain.QueueKindDiscover)); err != nil {
		return nil, fmt.Errorf("scheduler: discovery_cron %q: %w", cfg.DiscoveryCron, err)
	}
	if cfg.ReconcileCron != "" {
		if _, err := s.cron.AddFunc(cfg.ReconcileCron, s.tick(domain.QueueKindReconcile)); err != nil {
			return nil, fmt.Errorf("scheduler: reconcile_cron %q: %w", cfg.ReconcileCron, err)
		}
	}
	if cfg.CleanupCron != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupCron, s.tick(domain.QueueKindCleanup)); err != nil {
			return nil, fmt.Errorf("scheduler: cleanup_cron %q: %w", cfg.CleanupCron, err)
		}
	}
	return s, nil
}

func (s *Scheduler) tick(kind domain.QueueKind) func() {
	return func() {
		ctx := logger.SetComponent(context.Background(), "scheduler")
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		payloads := []string{""}
		if kind == domain.QueueKindDiscover {
			payloads = payloads[:0]
			for _, v := range s.variants {
				payloads = append(payloads, string(v))
			}
		}
		for _, payload := range payloads {
			if _, err := s.Trigger(ctx, kind, payload); err != nil {
				// the next tick tries again
				logger.CtxError(ctx, "Scheduled %s tick failed: %v", kind, err)
			}
		}
	}
}

// Trigger enqueues a task entry unless an identical one is still open.
// It reports whether a new entry was created.
func (s *Scheduler) Trigger(ctx context.Context, kind domain.QueueKind, payload string) (bool, error) {
	if !kind.IsTask() {
		return false, fmt.Errorf("%w: %q is not a schedulable task", domain.ErrInvalidInput, kind)
	}
	if kind == domain.QueueKindDiscover {
		if payload == "" {
			payload = string(domain.VariantSermon)
		}
		if !domain.BatchVariant(payload).IsValid() {
			return false, fmt.Errorf("%w: unknown variant %q", domain.ErrInvalidInput, payload)
		}
	}

	created, err := s.queue.EnqueueTaskOnce(ctx, kind, payload, s.now())
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	logger.With(logger.Fields{logger.FieldTask: kind, "payload": payload, "created": created}).
		Info(ctx, "Task triggered")
	if created && s.notifier != nil {
		s.notifier.Notify()
	}
	return created, nil
}

// Start begins firing cron ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("Scheduler started: discovery=%q reconcile=%q cleanup=%q",
		s.cfg.DiscoveryCron, s.cfg.ReconcileCron, s.cfg.CleanupCron)
}

// Stop halts the cron and waits for running ticks, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
