package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "xaccounts", cfg.Store.Collections.Accounts)
	assert.Equal(t, "xgroup_chats", cfg.Store.Collections.GroupChats)
	assert.Equal(t, "xtwitter_users", cfg.Store.Collections.Users)
	assert.Equal(t, "xraw_data", cfg.Store.Collections.Raw)
	assert.Equal(t, 5, cfg.Capture.Iterations)
	assert.Equal(t, 3, cfg.Capture.FallbackIterations)
	assert.Len(t, cfg.Capture.Targets, 2)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Auth, cfg.Auth)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmharvest.yaml")
	yamlDoc := `
store:
  driver: bolt
  path: /tmp/dm.bolt
capture:
  iterations: 2
  delay: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, "/tmp/dm.bolt", cfg.Store.Path)
	assert.Equal(t, 2, cfg.Capture.Iterations)
	assert.Equal(t, 250*time.Millisecond, cfg.GetCaptureDelay())
	// untouched sections keep defaults
	assert.Equal(t, "xaccounts", cfg.Store.Collections.Accounts)
	assert.Equal(t, "https://x.com/messages", cfg.Capture.URL)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dmharvest.yaml")
	cfg := DefaultConfig()
	cfg.Scrape.Parallel = 4
	cfg.Logging.Categories = map[string]bool{"extract": false}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Scrape.Parallel)
	assert.False(t, loaded.Logging.IsCategoryEnabled("extract"))
	assert.True(t, loaded.Logging.IsCategoryEnabled("store"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"empty path", func(c *Config) { c.Store.Path = "" }},
		{"unnamed collection", func(c *Config) { c.Store.Collections.Raw = "" }},
		{"no targets", func(c *Config) { c.Capture.Targets = nil }},
		{"negative iterations", func(c *Config) { c.Capture.Iterations = -1 }},
		{"inverted delays", func(c *Config) { c.Messenger.MinDelay = "20s" }},
		{"zero parallel", func(c *Config) { c.Scrape.Parallel = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, time.Second, cfg.GetProbeTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetSubmitTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.GetFillPause())
	assert.Equal(t, 3*time.Second, cfg.GetGracePeriod())
	assert.Equal(t, 5*time.Second, cfg.GetCaptureDelay())
	assert.Equal(t, 3*time.Second, cfg.GetFallbackDelay())
	assert.Equal(t, 30*time.Second, cfg.GetNavigationTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetMessengerMinDelay())
	assert.Equal(t, 15*time.Second, cfg.GetMessengerMaxDelay())

	cfg.Challenge.GracePeriod = "not-a-duration"
	assert.Equal(t, 3*time.Second, cfg.GetGracePeriod())
}

func TestLoggingOptions(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json", File: "x.log", Categories: map[string]bool{"auth": false}}
	opts := lc.Options()
	assert.Equal(t, "debug", opts.Level)
	assert.Equal(t, "json", opts.Format)
	assert.Equal(t, "x.log", opts.File)
	assert.False(t, opts.Categories["auth"])
}
