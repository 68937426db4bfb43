package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/source"
)

const defaultDiscoveryTimeout = 2 * time.Minute

// DiscoveryService finds sermons a source lists that are not stored yet.
type DiscoveryService struct {
	sermons  *repository.SermonRepository
	timeout  time.Duration
	pageSize int
}

// NewDiscoveryService creates a DiscoveryService. A zero timeout uses two
// minutes per source.
func NewDiscoveryService(sermons *repository.SermonRepository, timeout time.Duration) *DiscoveryService {
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	return &DiscoveryService{sermons: sermons, timeout: timeout, pageSize: 50}
}

// Discover lists src and persists the sermons not seen before, returning
// only those. Overlapping runs are safe: the (source_type, source_id) unique
// index decides which run inserts a sermon. When the listing fails nothing is
// persisted and a transient error is returned.
func (s *DiscoveryService) Discover(ctx context.Context, src source.Source) ([]*domain.Sermon, error) {
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldSource: src.GetSourceID()})
	start := time.Now()

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	items, err := source.FetchAll(listCtx, src, s.pageSize)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, domain.ErrTransientExternal) {
			err = domain.Transient(err)
		}
		logger.CtxWarn(ctx, "Sermon discovery failed: %v", err)
		return nil, fmt.Errorf("discover %s: %w", src.GetSourceID(), err)
	}

	candidates := make([]*domain.Sermon, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.SourceID == "" || seen[item.SourceID] {
			continue
		}
		seen[item.SourceID] = true
		candidates = append(candidates, item.ToSermon(src.GetSourceID()))
	}

	fresh, err := s.sermons.InsertNew(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("store sermons from %s: %w", src.GetSourceID(), err)
	}

	logger.With(logger.Fields{"listed": len(items), "new": len(fresh)}).
		WithDuration(time.Since(start)).
		Info(ctx, "Sermon discovery finished")
	return fresh, nil
}
