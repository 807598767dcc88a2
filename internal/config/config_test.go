package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genflow.yaml")
	content := `
api:
  base_url: https://api.example.com/v1
  app_id: app-1
  user_id: user-1
  request_timeout: 10s
generation:
  max_concurrent: 3
  poll_interval: 2s
  workers: 2
storage:
  dir: ` + dir + `
cache:
  ttl: 48h
metrics:
  enabled: true
  addr: 127.0.0.1:9191
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.API.RequestTimeout)
	assert.Equal(t, 300*time.Second, cfg.API.DownloadTimeout, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Generation.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Generation.PollInterval)
	assert.Equal(t, 48*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, filepath.Join(dir, "jobs.wal"), cfg.Storage.JournalPath)
	assert.Equal(t, filepath.Join(dir, "media"), cfg.Cache.Dir)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvBaseURL, "https://api.example.com")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Generation.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Generation.PollInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config YAML")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.API.Token = "from-file"
	cfg.ApplyEnv(env(map[string]string{
		EnvToken:    "from-env",
		EnvBaseURL:  " https://env.example.com ",
		EnvUserID:   "",
		EnvLogLevel: "debug",
	}))

	assert.Equal(t, "from-env", cfg.API.Token)
	assert.Equal(t, "https://env.example.com", cfg.API.BaseURL)
	assert.Equal(t, "", cfg.API.UserID, "empty values do not override")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url"},
		{"relative base url", func(c *Config) { c.API.BaseURL = "/v1" }, "api.base_url"},
		{"zero cap", func(c *Config) { c.Generation.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero interval", func(c *Config) { c.Generation.PollInterval = 0 }, "poll_interval"},
		{"no workers", func(c *Config) { c.Generation.Workers = 0 }, "workers"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.API.BaseURL = "https://api.example.com"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Generation.Workers = 0
	cfg.Cache.TTL = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url")
	assert.Contains(t, err.Error(), "generation.workers")
	assert.Contains(t, err.Error(), "cache.ttl")
}
