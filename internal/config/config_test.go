package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Scheduler.DiscoveryCron != "0 6 * * 0,1,4" {
		t.Errorf("discovery cron = %q", cfg.Scheduler.DiscoveryCron)
	}
	if cfg.Scheduler.MaxRetries != 3 || cfg.Scheduler.BackoffBase != 30*time.Second {
		t.Errorf("retry options = %d, %s", cfg.Scheduler.MaxRetries, cfg.Scheduler.BackoffBase)
	}
	if cfg.Cleanup.Retention != 7*24*time.Hour {
		t.Errorf("retention = %s", cfg.Cleanup.Retention)
	}
	if len(cfg.Processor.DefaultTags) == 0 {
		t.Error("default tags not set")
	}
}

func TestLoadRejectsInvalidScheduler(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative retries", "scheduler:\n  max_retries: -1\n"},
		{"max below base", "scheduler:\n  backoff_base: 10m\n  backoff_max: 1m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestYouTubeRefreshTokenFromEnv(t *testing.T) {
	t.Setenv("CHURCH_YT_TOKEN", "refresh-123")
	cfg := YouTubeConfig{
		ClientID:        "id",
		ClientSecret:    "secret",
		RefreshTokenEnv: "CHURCH_YT_TOKEN",
		PrivacyStatus:   "unlisted",
	}
	cfg.ResolveEnvVars()

	if cfg.RefreshToken != "refresh-123" {
		t.Fatalf("refresh token = %q", cfg.RefreshToken)
	}
	if !cfg.CanPublish() {
		t.Errorf("CanPublish = false: %v", cfg.Validate())
	}

	cfg.PrivacyStatus = "secret"
	if cfg.Validate() == nil {
		t.Error("unknown privacy status accepted")
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "sermons", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=sermons sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
	c.URL = "postgres://u:p@db/sermons"
	if got := c.DSN(); got != c.URL {
		t.Errorf("DSN with URL = %q", got)
	}
}
