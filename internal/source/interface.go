package source

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/sermontube/internal/domain"
)

// SermonItem represents a sermon recording listed by a source.
type SermonItem struct {
	SourceID   string // Unique ID within the source
	URL        string // Recording page or media URL
	Title      string
	Scripture  string
	Pastor     string
	Church     string
	PreachedAt *time.Time
}

// Source defines the interface for sermon listings.
type Source interface {
	// GetSourceID returns the unique identifier for this source. It becomes
	// the sermon's source_type and, with SermonItem.SourceID, its dedup key.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	GetDisplayName() string

	// FetchBatch fetches one page of sermons starting from cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of items to fetch; sources may return fewer.
	// Returns:
	//   - items: page of sermon items.
	//   - nextCursor: cursor for the next page or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []SermonItem, nextCursor string, err error)
}

// maxPages guards against a source that never stops returning cursors.
const maxPages = 500

// FetchAll walks every page of src. Either the whole listing is returned or
// an error; partial listings are never handed to the caller.
func FetchAll(ctx context.Context, src Source, pageSize int) ([]SermonItem, error) {
	var all []SermonItem
	cursor := ""
	for page := 0; page < maxPages; page++ {
		items, next, err := src.FetchBatch(ctx, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", src.GetSourceID(), page, err)
		}
		all = append(all, items...)
		if next == "" || next == cursor {
			return all, nil
		}
		cursor = next
	}
	return nil, fmt.Errorf("%s: listing exceeded %d pages", src.GetSourceID(), maxPages)
}

// ToSermon converts an item into an unsaved Sermon of sourceType.
func (i SermonItem) ToSermon(sourceType string) *domain.Sermon {
	return &domain.Sermon{
		SourceType: sourceType,
		SourceID:   i.SourceID,
		URL:        i.URL,
		Title:      i.Title,
		Scripture:  i.Scripture,
		Pastor:     i.Pastor,
		Church:     i.Church,
		PreachedAt: i.PreachedAt,
	}
}

// Static is a Source over a fixed list of items, used for sermons submitted
// directly through the API.
type Static struct {
	id    string
	items []SermonItem
}

// NewStatic creates a Static source.
func NewStatic(id string, items []SermonItem) *Static {
	return &Static{id: id, items: items}
}

func (s *Static) GetSourceID() string    { return s.id }
func (s *Static) GetDisplayName() string { return "Submitted (" + s.id + ")" }

func (s *Static) FetchBatch(ctx context.Context, cursor string, limit int) ([]SermonItem, string, error) {
	return s.items, "", nil
}
