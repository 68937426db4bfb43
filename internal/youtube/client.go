package youtube

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
)

// ErrNotConfigured is returned by Unconfigured for every call.
var ErrNotConfigured = fmt.Errorf("%w: youtube publishing is not configured", domain.ErrPermanentFailure)

// Unconfigured stands in for the uploader and its credentials when no
// channel credentials are set. Approved jobs then fail permanently instead
// of retrying forever.
type Unconfigured struct{}

func (Unconfigured) Token() (*oauth2.Token, error) { return nil, ErrNotConfigured }

func (Unconfigured) Upload(context.Context, Video, io.Reader) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) SetThumbnail(context.Context, string, io.Reader) error { return ErrNotConfigured }

func (Unconfigured) FindByMarker(context.Context, string) (string, bool, error) {
	return "", false, ErrNotConfigured
}

// DefaultTokenURL is Google's OAuth2 token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// TokenSource exchanges the configured refresh token for access tokens.
// Tokens are cached and refreshed shortly before expiry.
func TokenSource(ctx context.Context, cfg config.YouTubeConfig) oauth2.TokenSource {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeReadonlyScope},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

// NewService creates a client for the channel owner authorized by ts. Pass
// the same source to the publisher so both share one cached token. Extra
// options are appended after the token source.
func NewService(ctx context.Context, cfg config.YouTubeConfig, ts oauth2.TokenSource, opts ...option.ClientOption) (*youtube.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, fmt.Errorf("youtube: token source required")
	}
	all := append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := youtube.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}

// NewReadOnlyService creates an API-key client for public listings.
func NewReadOnlyService(ctx context.Context, apiKey string, opts ...option.ClientOption) (*youtube.Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := youtube.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}
