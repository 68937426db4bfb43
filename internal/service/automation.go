package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/source"
)

// urlSourceID is the source_type of sermons submitted as URLs.
const urlSourceID = "url"

// AutomationRequest starts an automation run. URLs wins over Source.
type AutomationRequest struct {
	URLs   []string `json:"urls"`
	Source string   `json:"source"`
}

// AutomationResult reports the batch an automation run created.
type AutomationResult struct {
	BatchID     string              `json:"batch_id"`
	Variant     domain.BatchVariant `json:"variant"`
	SermonCount int                 `json:"sermon_count"`
	InvalidURLs []string            `json:"invalid_urls"`
}

// Automation ties discovery to batch creation for each variant.
type Automation struct {
	discovery *DiscoveryService
	batches   *BatchManager
	sources   map[domain.BatchVariant][]source.Source
	events    events.Publisher
}

// NewAutomation creates an Automation with no sources registered. Discovery
// runs are reported through the batch manager's event publisher.
func NewAutomation(discovery *DiscoveryService, batches *BatchManager) *Automation {
	return &Automation{
		discovery: discovery,
		batches:   batches,
		sources:   make(map[domain.BatchVariant][]source.Source),
		events:    batches.events,
	}
}

// AddSource registers src for variant.
func (a *Automation) AddSource(variant domain.BatchVariant, src source.Source) {
	a.sources[variant] = append(a.sources[variant], src)
}

// HasSources reports whether variant has at least one source.
func (a *Automation) HasSources(variant domain.BatchVariant) bool {
	return len(a.sources[variant]) > 0
}

// VariantOf returns the variant whose sources include sourceType. Unknown
// sources, and sermons submitted as URLs, belong to sermon batches.
func (a *Automation) VariantOf(sourceType string) domain.BatchVariant {
	for variant, srcs := range a.sources {
		for _, src := range srcs {
			if src.GetSourceID() == sourceType {
				return variant
			}
		}
	}
	return domain.VariantSermon
}

// RunDiscovery discovers every source of variant and puts the new sermons
// into one batch. It returns a nil batch when nothing new was found. A failing
// source does not stop the others; its error is returned alongside the batch.
func (a *Automation) RunDiscovery(ctx context.Context, variant domain.BatchVariant) (*domain.Batch, error) {
	if !variant.IsValid() {
		return nil, fmt.Errorf("%w: unknown variant %q", domain.ErrInvalidInput, variant)
	}
	srcs := a.sources[variant]
	if len(srcs) == 0 {
		return nil, fmt.Errorf("%w: no source configured for %s", domain.ErrInvalidInput, variant)
	}

	var (
		fresh []*domain.Sermon
		names []string
		errs  []error
	)
	for _, src := range srcs {
		found, err := a.discovery.Discover(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(found) > 0 {
			fresh = append(fresh, found...)
			names = append(names, src.GetSourceID())
		}
	}
	joined := errors.Join(errs...)

	ev := events.Event{
		Type:      events.TypeDiscovery,
		Stage:     string(variant),
		Count:     len(fresh),
		Timestamp: a.batches.now(),
	}
	if joined != nil {
		ev.Error = joined.Error()
	}
	a.events.Publish(ev)

	if len(fresh) == 0 {
		logger.CtxInfo(ctx, "No new sermons for %s", variant)
		return nil, joined
	}

	batch, err := a.batches.CreateBatch(ctx, variant, strings.Join(names, ","), fresh)
	if err != nil {
		return nil, errors.Join(joined, err)
	}
	return batch, joined
}

// StartAutomation creates a batch either from submitted URLs or from a
// discovery run of the requested variant.
func (a *Automation) StartAutomation(ctx context.Context, req AutomationRequest) (*AutomationResult, error) {
	if len(req.URLs) > 0 {
		return a.startFromURLs(ctx, req.URLs)
	}

	variant := domain.BatchVariant(req.Source)
	if variant == "" {
		variant = domain.VariantSermon
	}
	batch, err := a.RunDiscovery(ctx, variant)
	if batch == nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no new sermons found", domain.ErrInvalidInput)
	}
	if err != nil {
		logger.CtxWarn(ctx, "Automation started with partial discovery: %v", err)
	}
	return &AutomationResult{
		BatchID:     batch.ID,
		Variant:     batch.Variant,
		SermonCount: batch.JobCount,
		InvalidURLs: []string{},
	}, nil
}

func (a *Automation) startFromURLs(ctx context.Context, urls []string) (*AutomationResult, error) {
	invalid := []string{}
	items := make([]source.SermonItem, 0, len(urls))
	for _, raw := range urls {
		u, err := source.ValidateSermonURL(strings.TrimSpace(raw))
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		items = append(items, source.SermonItem{
			SourceID: u.String(),
			URL:      u.String(),
			Title:    titleFromURL(u.Path, u.Host),
		})
	}
	if len(items) == 0 {
		return &AutomationResult{InvalidURLs: invalid}, fmt.Errorf("%w: no valid sermon URL", domain.ErrInvalidInput)
	}

	fresh, err := a.discovery.Discover(ctx, source.NewStatic(urlSourceID, items))
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return &AutomationResult{InvalidURLs: invalid}, fmt.Errorf("%w: every submitted sermon is already known", domain.ErrInvalidInput)
	}

	batch, err := a.batches.CreateBatch(ctx, domain.VariantSermon, urlSourceID, fresh)
	if err != nil {
		return nil, err
	}
	return &AutomationResult{
		BatchID:     batch.ID,
		Variant:     batch.Variant,
		SermonCount: len(fresh),
		InvalidURLs: invalid,
	}, nil
}

// titleFromURL turns "/sermons/grace-and-truth" into "Grace And Truth".
func titleFromURL(p, host string) string {
	base := strings.TrimSuffix(path.Base(strings.TrimSuffix(p, "/")), path.Ext(p))
	if base == "" || base == "." || base == "/" {
		return host
	}
	words := strings.FieldsFunc(base, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	if len(words) == 0 {
		return host
	}
	return strings.Join(words, " ")
}
