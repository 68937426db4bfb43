package playlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	youtubeapi "google.golang.org/api/youtube/v3"

	"github.com/timmy/sermontube/internal/retry"
	"github.com/timmy/sermontube/internal/source"
	"github.com/timmy/sermontube/internal/youtube"
)

// SourceID is the source_type recorded for playlist sermons.
const SourceID = "playlist"

// Adapter lists the videos of a public YouTube playlist as sermons, for
// churches that stream services before they are cut into shorts.
type Adapter struct {
	svc         *youtubeapi.Service
	playlistID  string
	church      string
	retryConfig retry.Config
}

// NewAdapter creates a playlist adapter over a read-only service.
func NewAdapter(svc *youtubeapi.Service, playlistID, church string) (*Adapter, error) {
	if playlistID == "" {
		return nil, fmt.Errorf("playlist: playlist_id is required")
	}
	return &Adapter{
		svc:         svc,
		playlistID:  playlistID,
		church:      church,
		retryConfig: retry.DefaultConfig(),
	}, nil
}

func (a *Adapter) GetSourceID() string { return SourceID }

func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("YouTube playlist (%s)", a.playlistID)
}

// FetchBatch fetches one playlist page. The cursor is the API page token.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.SermonItem, string, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	var resp *youtubeapi.PlaylistItemListResponse
	err := retry.Do(ctx, a.retryConfig, nil, func(ctx context.Context) error {
		var err error
		resp, err = a.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(a.playlistID).
			MaxResults(int64(limit)).
			PageToken(cursor).
			Context(ctx).
			Do()
		return youtube.Classify(err)
	})
	if err != nil {
		return nil, "", err
	}

	items := make([]source.SermonItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ContentDetails == nil || it.ContentDetails.VideoId == "" || it.Snippet == nil {
			continue
		}
		// deleted and private entries keep their slot with a placeholder title
		if it.Snippet.Title == "Deleted video" || it.Snippet.Title == "Private video" {
			continue
		}
		videoID := it.ContentDetails.VideoId
		item := source.SermonItem{
			SourceID:  videoID,
			URL:       "https://www.youtube.com/watch?v=" + videoID,
			Title:     it.Snippet.Title,
			Scripture: labeledLine(it.Snippet.Description, "Scripture:"),
			Pastor:    labeledLine(it.Snippet.Description, "Pastor:"),
			Church:    a.church,
		}
		published := it.ContentDetails.VideoPublishedAt
		if published == "" {
			published = it.Snippet.PublishedAt
		}
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			t = t.UTC()
			item.PreachedAt = &t
		}
		items = append(items, item)
	}
	return items, resp.NextPageToken, nil
}

// labeledLine returns the text after label on the first line starting with it.
func labeledLine(description, label string) string {
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= len(label) && strings.EqualFold(line[:len(label)], label) {
			return strings.TrimSpace(line[len(label):])
		}
	}
	return ""
}
