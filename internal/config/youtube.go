package config

import (
	"fmt"
	"os"
	"time"
)

// YouTubeConfig holds the upload credentials and the metadata applied to
// every published video.
type YouTubeConfig struct {
	ClientID         string        `mapstructure:"client_id"`
	ClientSecret     string        `mapstructure:"client_secret"`
	RefreshToken     string        `mapstructure:"refresh_token"`
	RefreshTokenEnv  string        `mapstructure:"refresh_token_env"` // Environment variable name for the refresh token
	APIKey           string        `mapstructure:"api_key"`           // Read-only key for playlist discovery
	TokenURL         string        `mapstructure:"token_url"`
	CategoryID       string        `mapstructure:"category_id"`
	PrivacyStatus    string        `mapstructure:"privacy_status"`
	Language         string        `mapstructure:"language"`
	UploadTimeout    time.Duration `mapstructure:"upload_timeout"`
	UploadsPerMinute float64       `mapstructure:"uploads_per_minute"`
	MarkerScanLimit  int           `mapstructure:"marker_scan_limit"`
}

// ResolveEnvVars loads the refresh token from RefreshTokenEnv when it was not
// set directly.
func (c *YouTubeConfig) ResolveEnvVars() {
	if c.RefreshTokenEnv != "" && c.RefreshToken == "" {
		if val := os.Getenv(c.RefreshTokenEnv); val != "" {
			c.RefreshToken = val
		}
	}
}

// Validate checks the fields needed to publish.
func (c *YouTubeConfig) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("youtube: client_id and client_secret are required")
	}
	if c.RefreshToken == "" {
		return fmt.Errorf("youtube: refresh_token is required (set directly or via %s)", c.RefreshTokenEnv)
	}

	switch c.PrivacyStatus {
	case "private", "unlisted", "public":
	default:
		return fmt.Errorf("youtube: unknown privacy_status %q", c.PrivacyStatus)
	}

	return nil
}

// CanPublish reports whether enough credentials are configured to upload.
func (c *YouTubeConfig) CanPublish() bool {
	return c.Validate() == nil
}
