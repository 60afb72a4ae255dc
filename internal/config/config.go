// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

// KV drivers
const (
	KVMemory   = kv.DriverMemory
	KVSQLite   = kv.DriverSQLite
	KVPostgres = kv.DriverPostgres
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	UpstreamURL string `env:"UPSTREAM_URL" envDefault:"http://localhost:3000"`
	APIBaseURL  string `env:"API_BASE_URL" envDefault:"http://localhost:8080"`

	AppID         string `env:"APP_ID" envDefault:"quizapp"`
	AppVersion    string `env:"APP_VERSION" envDefault:"1.0.0"`
	MaxCacheSize  int    `env:"MAX_CACHE_SIZE" envDefault:"50"`
	AssetManifest string `env:"ASSET_MANIFEST"`
	OfflinePage   string `env:"OFFLINE_PAGE" envDefault:"/offline.html"`
	QuestionsKey  string `env:"QUESTIONS_KEY" envDefault:"/questions.json"`
	VersionURL    string `env:"VERSION_URL"`
	SkipWaiting   bool   `env:"SKIP_WAITING" envDefault:"true"`
	CacheDir      string `env:"CACHE_DIR"`

	KVDriver    string `env:"KV_DRIVER" envDefault:"memory"`
	KVPath      string `env:"KV_PATH" envDefault:"offlinecache.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	ControlToken   string        `env:"CONTROL_TOKEN"`
	NetworkTimeout time.Duration `env:"NETWORK_TIMEOUT" envDefault:"10s"`
	SnoozeDelay    time.Duration `env:"SNOOZE_DELAY" envDefault:"1h"`
	NotifyWebhook  string        `env:"NOTIFY_WEBHOOK_URL"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`

	Sync SyncConfig `envPrefix:"SYNC_"`
}

// SyncConfig holds the remote endpoints queued mutations are delivered to
type SyncConfig struct {
	ProgressURL  string `env:"PROGRESS_URL"`
	QuestionsURL string `env:"QUESTIONS_URL"`

	// Optional client-credentials auth for the sync endpoints
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	TokenURL     string   `env:"TOKEN_URL"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.KVDriver = strings.ToLower(strings.TrimSpace(cfg.KVDriver))
	return cfg, nil
}

// Endpoints maps sync tags to their configured URLs
func (c *Config) Endpoints() map[string]string {
	endpoints := make(map[string]string)
	if c.Sync.ProgressURL != "" {
		endpoints[syncqueue.TagProgress] = c.Sync.ProgressURL
	}
	if c.Sync.QuestionsURL != "" {
		endpoints[syncqueue.TagQuestions] = c.Sync.QuestionsURL
	}
	return endpoints
}

// HasSync returns true if at least one sync endpoint is configured
func (c *Config) HasSync() bool {
	return len(c.Endpoints()) > 0
}

// HasSyncAuth returns true if client-credentials auth is complete
func (c *Config) HasSyncAuth() bool {
	return c.Sync.ClientID != "" && c.Sync.ClientSecret != "" && c.Sync.TokenURL != ""
}

// HasRedis returns true if background jobs can be queued
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// Level parses LOG_LEVEL, defaulting to info
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks settings that would otherwise fail at first use
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an absolute URL, got %q", c.UpstreamURL))
	}
	if c.NotifyWebhook != "" {
		if u, err := url.Parse(c.NotifyWebhook); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("NOTIFY_WEBHOOK_URL must be an absolute URL, got %q", c.NotifyWebhook))
		}
	}
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, errors.New("APP_ID is required"))
	}
	if strings.TrimSpace(c.AppVersion) == "" {
		errs = append(errs, errors.New("APP_VERSION is required"))
	}
	if c.MaxCacheSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_CACHE_SIZE must be positive, got %d", c.MaxCacheSize))
	}

	switch c.KVDriver {
	case KVMemory:
	case KVSQLite:
		if c.KVPath == "" {
			errs = append(errs, errors.New("KV_PATH is required for the sqlite driver"))
		}
	case KVPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("KV_DRIVER must be one of memory, sqlite, postgres, got %q", c.KVDriver))
	}

	partialAuth := c.Sync.ClientID != "" || c.Sync.ClientSecret != "" || c.Sync.TokenURL != ""
	if partialAuth && !c.HasSyncAuth() {
		errs = append(errs, errors.New("SYNC_CLIENT_ID, SYNC_CLIENT_SECRET and SYNC_TOKEN_URL must be set together"))
	}

	return errors.Join(errs...)
}
