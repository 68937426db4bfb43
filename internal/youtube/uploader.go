package youtube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/retry"
)

const (
	maxTitleLen = 100
	maxTags     = 10
)

// Video is the metadata of one upload.
type Video struct {
	Title       string
	Description string
	Tags        []string
	// Marker is appended to the description so a later run can find the
	// upload again.
	Marker string
}

// Uploader publishes rendered sermons to the authorized channel.
type Uploader struct {
	svc         *youtube.Service
	cfg         config.YouTubeConfig
	limiter     *rate.Limiter
	retryConfig retry.Config
}

// NewUploader wraps an authorized service.
func NewUploader(svc *youtube.Service, cfg config.YouTubeConfig) *Uploader {
	perMinute := cfg.UploadsPerMinute
	if perMinute <= 0 {
		perMinute = 2
	}
	return &Uploader{
		svc:         svc,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/perMinute)), 1),
		retryConfig: retry.DefaultConfig(),
	}
}

// Upload inserts a video and returns its ID. The insert itself is never
// retried here because a lost response may still have created the video;
// callers look the marker up before trying again.
func (u *Uploader) Upload(ctx context.Context, v Video, media io.Reader) (string, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if u.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.UploadTimeout)
		defer cancel()
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:                TruncateTitle(v.Title),
			Description:          WithMarker(v.Description, v.Marker),
			Tags:                 LimitTags(v.Tags),
			CategoryId:           u.cfg.CategoryID,
			DefaultLanguage:      u.cfg.Language,
			DefaultAudioLanguage: u.cfg.Language,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           u.cfg.PrivacyStatus,
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}

	start := time.Now()
	resp, err := u.svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(media, googleapi.ContentType("video/mp4")).
		Context(ctx).
		Do()
	if err != nil {
		return "", Classify(err)
	}
	logger.With(logger.Fields{"video_id": resp.Id}).
		WithDuration(time.Since(start)).
		Info(ctx, "Uploaded video")
	return resp.Id, nil
}

// SetThumbnail replaces the thumbnail of videoID. The image is converted to
// an accepted format first.
func (u *Uploader) SetThumbnail(ctx context.Context, videoID string, image io.Reader) error {
	raw, err := io.ReadAll(image)
	if err != nil {
		return fmt.Errorf("read thumbnail: %w", err)
	}
	data, contentType, err := PrepareThumbnail(raw)
	if err != nil {
		return err
	}

	return retry.Do(ctx, u.retryConfig, retryable, func(ctx context.Context) error {
		_, err := u.svc.Thumbnails.Set(videoID).
			Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
			Context(ctx).
			Do()
		return Classify(err)
	})
}

// FindByMarker scans the most recent uploads of the channel for a video
// whose description contains marker.
func (u *Uploader) FindByMarker(ctx context.Context, marker string) (string, bool, error) {
	uploads, err := u.uploadsPlaylist(ctx)
	if err != nil {
		return "", false, err
	}

	limit := u.cfg.MarkerScanLimit
	if limit <= 0 {
		limit = 200
	}

	scanned := 0
	pageToken := ""
	for scanned < limit {
		var resp *youtube.PlaylistItemListResponse
		err := retry.Do(ctx, u.retryConfig, retryable, func(ctx context.Context) error {
			var err error
			resp, err = u.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
				PlaylistId(uploads).
				MaxResults(50).
				PageToken(pageToken).
				Context(ctx).
				Do()
			return Classify(err)
		})
		if err != nil {
			return "", false, err
		}

		for _, item := range resp.Items {
			scanned++
			if item.Snippet == nil || !strings.Contains(item.Snippet.Description, marker) {
				continue
			}
			if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
				return item.ContentDetails.VideoId, true, nil
			}
			if item.Snippet.ResourceId != nil {
				return item.Snippet.ResourceId.VideoId, true, nil
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return "", false, nil
}

func (u *Uploader) uploadsPlaylist(ctx context.Context) (string, error) {
	var playlistID string
	err := retry.Do(ctx, u.retryConfig, retryable, func(ctx context.Context) error {
		resp, err := u.svc.Channels.List([]string{"contentDetails"}).
			Mine(true).
			Context(ctx).
			Do()
		if err != nil {
			return Classify(err)
		}
		if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil || resp.Items[0].ContentDetails.RelatedPlaylists == nil {
			return fmt.Errorf("youtube: authorized account has no channel")
		}
		playlistID = resp.Items[0].ContentDetails.RelatedPlaylists.Uploads
		return nil
	})
	return playlistID, err
}

// TruncateTitle cuts title to the 100 characters YouTube accepts.
func TruncateTitle(title string) string {
	title = strings.TrimSpace(title)
	r := []rune(title)
	if len(r) <= maxTitleLen {
		return title
	}
	return strings.TrimSpace(string(r[:maxTitleLen-3])) + "..."
}

// WithMarker appends marker on its own line unless it is already present.
func WithMarker(description, marker string) string {
	if marker == "" || strings.Contains(description, marker) {
		return description
	}
	if description == "" {
		return marker
	}
	return strings.TrimRight(description, "\n") + "\n\n" + marker
}

// LimitTags drops empty and duplicate tags and keeps the first ten.
func LimitTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
