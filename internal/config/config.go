package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Processor ProcessorConfig `mapstructure:"processor"`
	YouTube   YouTubeConfig   `mapstructure:"youtube"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the gorm dialect. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the postgres connection string. A full URL wins over the parts.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// StorageConfig points at any S3-compatible endpoint (AWS, R2, MinIO).
type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

// ProcessorConfig configures the remote render service.
type ProcessorConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Hashtags     []string      `mapstructure:"hashtags"`
	DefaultTags  []string      `mapstructure:"default_tags"`
}

type SourcesConfig struct {
	SermonSite SermonSiteConfig `mapstructure:"sermonsite"`
	Manifest   ManifestConfig   `mapstructure:"manifest"`
	Playlist   PlaylistConfig   `mapstructure:"playlist"`
}

type SermonSiteConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	ListPath       string        `mapstructure:"list_path"`
	Church         string        `mapstructure:"church"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type ManifestConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type PlaylistConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	PlaylistID string `mapstructure:"playlist_id"`
	Church     string `mapstructure:"church"`
}

// SchedulerConfig is handed to the scheduler and the services it drives.
type SchedulerConfig struct {
	DiscoveryCron string        `mapstructure:"discovery_cron"`
	ReconcileCron string        `mapstructure:"reconcile_cron"`
	CleanupCron   string        `mapstructure:"cleanup_cron"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	LeaseTimeout  time.Duration `mapstructure:"lease_timeout"`
}

// Validate checks the scheduler options before anything is started.
func (c *SchedulerConfig) Validate() error {
	if c.DiscoveryCron == "" {
		return fmt.Errorf("scheduler: discovery_cron is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("scheduler: max_retries must not be negative")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("scheduler: backoff_base must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("scheduler: backoff_max (%s) is below backoff_base (%s)", c.BackoffMax, c.BackoffBase)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("scheduler: lease_timeout must be positive")
	}
	return nil
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	QueueLease   time.Duration `mapstructure:"queue_lease"`
}

type CleanupConfig struct {
	TempDir   string        `mapstructure:"temp_dir"`
	Retention time.Duration `mapstructure:"retention"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are commonly provided under their conventional names
	v.BindEnv("database.url", "DATABASE_DSN")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("processor.api_key", "PROCESSOR_API_KEY")
	v.BindEnv("processor.base_url", "PROCESSOR_BASE_URL")
	v.BindEnv("youtube.client_id", "YOUTUBE_CLIENT_ID")
	v.BindEnv("youtube.client_secret", "YOUTUBE_CLIENT_SECRET")
	v.BindEnv("youtube.refresh_token", "YOUTUBE_REFRESH_TOKEN")
	v.BindEnv("youtube.api_key", "YOUTUBE_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.YouTube.ResolveEnvVars()

	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sermontube.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "sermontube")
	v.SetDefault("storage.prefix", "videos")

	v.SetDefault("processor.base_url", "http://localhost:9100")
	v.SetDefault("processor.stage_timeout", 20*time.Minute)
	v.SetDefault("processor.poll_interval", 5*time.Second)
	v.SetDefault("processor.hashtags", []string{"#sermon", "#church", "#faith"})
	v.SetDefault("processor.default_tags", []string{"sermon", "church", "christian", "bible"})

	v.SetDefault("youtube.category_id", "29")
	v.SetDefault("youtube.privacy_status", "private")
	v.SetDefault("youtube.language", "en")
	v.SetDefault("youtube.upload_timeout", 30*time.Minute)
	v.SetDefault("youtube.uploads_per_minute", 2)
	v.SetDefault("youtube.marker_scan_limit", 200)

	v.SetDefault("sources.sermonsite.enabled", false)
	v.SetDefault("sources.sermonsite.list_path", "/sermons")
	v.SetDefault("sources.sermonsite.requests_per_sec", 1.0)
	v.SetDefault("sources.sermonsite.timeout", 30*time.Second)
	v.SetDefault("sources.manifest.enabled", false)
	v.SetDefault("sources.manifest.path", "./data/manifest.jsonl")
	v.SetDefault("sources.playlist.enabled", false)

	// Sunday, Monday and Thursday at 06:00.
	v.SetDefault("scheduler.discovery_cron", "0 6 * * 0,1,4")
	v.SetDefault("scheduler.reconcile_cron", "@hourly")
	v.SetDefault("scheduler.cleanup_cron", "0 0 * * *")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_base", 30*time.Second)
	v.SetDefault("scheduler.backoff_max", 30*time.Minute)
	v.SetDefault("scheduler.lease_timeout", 10*time.Minute)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.queue_lease", 15*time.Minute)

	v.SetDefault("cleanup.temp_dir", "./data/tmp")
	v.SetDefault("cleanup.retention", 7*24*time.Hour)
}
