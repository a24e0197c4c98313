package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir   string `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT" default:"3"`
	// SessionID names the transport session that transfers are tracked under.
	// Defaults to the host name so a restart on the same machine reattaches.
	SessionID string `envconfig:"SESSION_ID"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`
	DBPath       string `envconfig:"DB_PATH" default:"downloads.db"`

	Redis struct {
		Addr     string `split_words:"true" default:"localhost:6379"`
		Password string `split_words:"true"`
		DB       int    `envconfig:"DB" default:"0"`
		Prefix   string `split_words:"true" default:"media_downloader"`
	}

	ProgressPersistInterval time.Duration `envconfig:"PROGRESS_PERSIST_INTERVAL" default:"2s"`
	ProgressPersistBytes    int64         `envconfig:"PROGRESS_PERSIST_BYTES" default:"1048576"`
	CleanupInterval         time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	HeaderTimeout           time.Duration `envconfig:"HEADER_TIMEOUT" default:"30s"`
	UserAgent               string        `envconfig:"USER_AGENT" default:"media-downloader/1.0"`

	FavoritesPath     string `envconfig:"FAVORITES_PATH" default:"favorites.yaml"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled             bool   `default:"true"`
		ServiceName         string `split_words:"true" default:"media-downloader"`
		ServiceVersion      string `split_words:"true" default:"dev"`
		OTLPMetricsEndpoint string `envconfig:"OTLP_METRICS_ENDPOINT"`
		OTLPTracesEndpoint  string `envconfig:"OTLP_TRACES_ENDPOINT"`
		RuntimeMetrics      bool   `split_words:"true" default:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.SessionID == "" {
		cfg.SessionID = defaultSessionID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DownloadDir == "" {
		errs = append(errs, errors.New("DOWNLOAD_DIR must be set"))
	}

	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent))
	}

	switch c.StoreBackend {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH must be set for the sqlite store"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR must be set for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q: want sqlite or redis", c.StoreBackend))
	}

	if c.ProgressPersistInterval <= 0 {
		errs = append(errs, errors.New("PROGRESS_PERSIST_INTERVAL must be positive"))
	}

	if c.ProgressPersistBytes <= 0 {
		errs = append(errs, errors.New("PROGRESS_PERSIST_BYTES must be positive"))
	}

	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultSessionID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}

	return uuid.NewString()
}
