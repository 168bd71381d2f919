// Package config loads dmharvest settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all dmharvest configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Capture   CaptureConfig   `yaml:"capture"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	Messenger MessengerConfig `yaml:"messenger"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrowserConfig configures the Chrome instance driven by rod.
type BrowserConfig struct {
	Headless bool `yaml:"headless"`
	// Bin is an explicit Chrome binary; empty lets the launcher find or download one.
	Bin string `yaml:"bin"`
	// DebuggerURL attaches to an already running Chrome instead of launching one.
	DebuggerURL       string `yaml:"debugger_url"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	NavigationTimeout string `yaml:"navigation_timeout"`
}

// StoreConfig selects the document store driver and its collection names.
type StoreConfig struct {
	Driver      string            `yaml:"driver"` // sqlite, bolt
	Path        string            `yaml:"path"`
	Collections CollectionsConfig `yaml:"collections"`
}

// CollectionsConfig names the four persisted collections.
type CollectionsConfig struct {
	Accounts   string `yaml:"accounts"`
	GroupChats string `yaml:"group_chats"`
	Users      string `yaml:"users"`
	Raw        string `yaml:"raw"`
}

// AuthConfig configures the sign-in flow.
type AuthConfig struct {
	LoginURL    string `yaml:"login_url"`
	HomeURL     string `yaml:"home_url"`
	SettingsURL string `yaml:"settings_url"`
	// Bearer is the public web client bearer stored in every AuthSession.
	Bearer        string `yaml:"bearer"`
	FieldTimeout  string `yaml:"field_timeout"`
	SettleTimeout string `yaml:"settle_timeout"`
	VerifyTimeout string `yaml:"verify_timeout"`
}

// ChallengeConfig configures verification scenario resolution timing.
type ChallengeConfig struct {
	ProbeTimeout  string `yaml:"probe_timeout"`
	ActionTimeout string `yaml:"action_timeout"`
	SubmitTimeout string `yaml:"submit_timeout"`
	FillPause     string `yaml:"fill_pause"`
	GracePeriod   string `yaml:"grace_period"`
	SettleTimeout string `yaml:"settle_timeout"`
}

// CaptureConfig configures the network capture window.
type CaptureConfig struct {
	URL                string   `yaml:"url"`
	Targets            []string `yaml:"targets"`
	Iterations         int      `yaml:"iterations"`
	Delay              string   `yaml:"delay"`
	ScrollDelta        float64  `yaml:"scroll_delta"`
	FallbackIterations int      `yaml:"fallback_iterations"`
	FallbackDelay      string   `yaml:"fallback_delay"`
	SettleTimeout      string   `yaml:"settle_timeout"`
}

// ScrapeConfig configures scraping passes.
type ScrapeConfig struct {
	Parallel int `yaml:"parallel"`
}

// MessengerConfig configures outbound messages.
type MessengerConfig struct {
	TemplatesFile string `yaml:"templates_file"`
	MinDelay      string `yaml:"min_delay"`
	MaxDelay      string `yaml:"max_delay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:          false,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			NavigationTimeout: "30s",
		},

		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/dmharvest.db",
			Collections: CollectionsConfig{
				Accounts:   "xaccounts",
				GroupChats: "xgroup_chats",
				Users:      "xtwitter_users",
				Raw:        "xraw_data",
			},
		},

		Auth: AuthConfig{
			LoginURL:      "https://x.com/i/flow/login",
			HomeURL:       "https://x.com/home",
			SettingsURL:   "https://x.com/settings/privacy_and_safety",
			Bearer:        "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA",
			FieldTimeout:  "15s",
			SettleTimeout: "15s",
			VerifyTimeout: "5s",
		},

		Challenge: ChallengeConfig{
			ProbeTimeout:  "1s",
			ActionTimeout: "1s",
			SubmitTimeout: "10s",
			FillPause:     "500ms",
			GracePeriod:   "3s",
			SettleTimeout: "10s",
		},

		Capture: CaptureConfig{
			URL: "https://x.com/messages",
			Targets: []string{
				"api/1.1/dm/inbox_initial_state.json",
				"api/1.1/dm/user_updates.json",
			},
			Iterations:         5,
			Delay:              "5s",
			ScrollDelta:        500,
			FallbackIterations: 3,
			FallbackDelay:      "3s",
			SettleTimeout:      "10s",
		},

		Scrape: ScrapeConfig{
			Parallel: 1,
		},

		Messenger: MessengerConfig{
			MinDelay: "5s",
			MaxDelay: "15s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// A missing file means defaults; env overrides still apply.
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ValidDrivers lists the supported store drivers.
var ValidDrivers = []string{"sqlite", "bolt"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validDriver := false
	for _, d := range ValidDrivers {
		if c.Store.Driver == d {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path not configured")
	}

	cols := c.Store.Collections
	if cols.Accounts == "" || cols.GroupChats == "" || cols.Users == "" || cols.Raw == "" {
		return fmt.Errorf("all store collections must be named")
	}

	if len(c.Capture.Targets) == 0 {
		return fmt.Errorf("capture targets must not be empty")
	}
	if c.Capture.Iterations < 0 || c.Capture.FallbackIterations < 0 {
		return fmt.Errorf("capture iterations must not be negative")
	}

	if c.GetMessengerMinDelay() > c.GetMessengerMaxDelay() {
		return fmt.Errorf("messenger min_delay %s exceeds max_delay %s", c.Messenger.MinDelay, c.Messenger.MaxDelay)
	}

	if c.Scrape.Parallel < 1 {
		return fmt.Errorf("scrape parallel must be at least 1, got %d", c.Scrape.Parallel)
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetNavigationTimeout returns the browser navigation timeout as a duration.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetFieldTimeout returns the sign-in field wait as a duration.
func (c *Config) GetFieldTimeout() time.Duration {
	return parseDuration(c.Auth.FieldTimeout, 15*time.Second)
}

// GetAuthSettleTimeout returns the post-login settle wait as a duration.
func (c *Config) GetAuthSettleTimeout() time.Duration {
	return parseDuration(c.Auth.SettleTimeout, 15*time.Second)
}

// GetVerifyTimeout returns the settings-page verification wait as a duration.
func (c *Config) GetVerifyTimeout() time.Duration {
	return parseDuration(c.Auth.VerifyTimeout, 5*time.Second)
}

// GetProbeTimeout returns the per-descriptor challenge probe wait.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Challenge.ProbeTimeout, time.Second)
}

// GetActionTimeout returns the click-challenge action target wait.
func (c *Config) GetActionTimeout() time.Duration {
	return parseDuration(c.Challenge.ActionTimeout, time.Second)
}

// GetSubmitTimeout returns the input-challenge submit target wait.
func (c *Config) GetSubmitTimeout() time.Duration {
	return parseDuration(c.Challenge.SubmitTimeout, 10*time.Second)
}

// GetFillPause returns the pause between focusing and filling an input.
func (c *Config) GetFillPause() time.Duration {
	return parseDuration(c.Challenge.FillPause, 500*time.Millisecond)
}

// GetGracePeriod returns the fixed wait after submitting a challenge.
func (c *Config) GetGracePeriod() time.Duration {
	return parseDuration(c.Challenge.GracePeriod, 3*time.Second)
}

// GetChallengeSettleTimeout returns the load-quiescence bound after a challenge.
func (c *Config) GetChallengeSettleTimeout() time.Duration {
	return parseDuration(c.Challenge.SettleTimeout, 10*time.Second)
}

// GetCaptureDelay returns the settle delay between stimulation gestures.
func (c *Config) GetCaptureDelay() time.Duration {
	return parseDuration(c.Capture.Delay, 5*time.Second)
}

// GetFallbackDelay returns the settle delay of the fallback routine.
func (c *Config) GetFallbackDelay() time.Duration {
	return parseDuration(c.Capture.FallbackDelay, 3*time.Second)
}

// GetCaptureSettleTimeout returns the settle bound after opening the capture URL.
func (c *Config) GetCaptureSettleTimeout() time.Duration {
	return parseDuration(c.Capture.SettleTimeout, 10*time.Second)
}

// GetMessengerMinDelay returns the lower bound of the inter-message delay.
func (c *Config) GetMessengerMinDelay() time.Duration {
	return parseDuration(c.Messenger.MinDelay, 5*time.Second)
}

// GetMessengerMaxDelay returns the upper bound of the inter-message delay.
func (c *Config) GetMessengerMaxDelay() time.Duration {
	return parseDuration(c.Messenger.MaxDelay, 15*time.Second)
}
