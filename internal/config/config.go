// Package config loads genflow settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration. Durations use Go syntax
// ("5s", "168h").
type Config struct {
	API        APIConfig        `yaml:"api"`
	Generation GenerationConfig `yaml:"generation"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

type APIConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Token           string        `yaml:"token"`
	AppID           string        `yaml:"app_id"`
	UserID          string        `yaml:"user_id"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type GenerationConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Workers          int           `yaml:"workers"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	RetryDelay       time.Duration `yaml:"retry_delay"` // one-shot refresh retry
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type StorageConfig struct {
	Dir          string `yaml:"dir"`
	HistoryDir   string `yaml:"history_dir"`   // default <dir>/history
	JournalPath  string `yaml:"journal_path"`  // default <dir>/jobs.wal
	SnapshotPath string `yaml:"snapshot_path"` // default <dir>/jobs.snapshot.json
	SyncJournal  bool   `yaml:"sync_journal"`
}

type CacheConfig struct {
	Dir              string        `yaml:"dir"`        // default <storage.dir>/media
	PreviewDB        string        `yaml:"preview_db"` // default <storage.dir>/previews.db
	TTL              time.Duration `yaml:"ttl"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Environment overrides.
const (
	EnvToken    = "GENFLOW_API_TOKEN"
	EnvBaseURL  = "GENFLOW_BASE_URL"
	EnvUserID   = "GENFLOW_USER_ID"
	EnvAppID    = "GENFLOW_APP_ID"
	EnvLogLevel = "GENFLOW_LOG_LEVEL"
)

// Default returns a configuration that validates once the API base URL is
// set.
func Default() Config {
	return Config{
		API: APIConfig{
			RequestTimeout:  30 * time.Second,
			DownloadTimeout: 300 * time.Second,
			RateLimit:       5,
			RateLimitBurst:  10,
		},
		Generation: GenerationConfig{
			MaxConcurrent:    2,
			PollInterval:     5 * time.Second,
			Workers:          4,
			ProbeTimeout:     30 * time.Second,
			RetryDelay:       5 * time.Second,
			SnapshotInterval: time.Minute,
		},
		Storage: StorageConfig{
			Dir:         "genflow-data",
			SyncJournal: true,
		},
		Cache: CacheConfig{
			TTL:              7 * 24 * time.Hour,
			MaxDownloadBytes: 512 << 20,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over Default, applies environment overrides, fills derived
// paths and validates. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays set, non-empty environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvToken, &c.API.Token)
	set(EnvBaseURL, &c.API.BaseURL)
	set(EnvUserID, &c.API.UserID)
	set(EnvAppID, &c.API.AppID)
	set(EnvLogLevel, &c.Log.Level)
}

// Resolve fills paths derived from Storage.Dir.
func (c *Config) Resolve() {
	dir := c.Storage.Dir
	if c.Storage.HistoryDir == "" {
		c.Storage.HistoryDir = filepath.Join(dir, "history")
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = filepath.Join(dir, "jobs.wal")
	}
	if c.Storage.SnapshotPath == "" {
		c.Storage.SnapshotPath = filepath.Join(dir, "jobs.snapshot.json")
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(dir, "media")
	}
	if c.Cache.PreviewDB == "" {
		c.Cache.PreviewDB = filepath.Join(dir, "previews.db")
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u, err := url.Parse(c.API.BaseURL); c.API.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		add("api.base_url must be an absolute URL (got %q)", c.API.BaseURL)
	}
	if c.API.RequestTimeout <= 0 {
		add("api.request_timeout must be positive")
	}
	if c.API.DownloadTimeout <= 0 {
		add("api.download_timeout must be positive")
	}
	if c.API.RateLimit <= 0 {
		add("api.rate_limit must be positive")
	}
	if c.Generation.MaxConcurrent < 1 {
		add("generation.max_concurrent must be at least 1")
	}
	if c.Generation.PollInterval <= 0 {
		add("generation.poll_interval must be positive")
	}
	if c.Generation.Workers < 1 {
		add("generation.workers must be at least 1")
	}
	if c.Generation.ProbeTimeout <= 0 {
		add("generation.probe_timeout must be positive")
	}
	if c.Generation.RetryDelay < 0 {
		add("generation.retry_delay must not be negative")
	}
	if c.Storage.Dir == "" {
		add("storage.dir is required")
	}
	if c.Cache.TTL <= 0 {
		add("cache.ttl must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
