// Package logging provides config-driven categorized zap loggers for dmharvest.
// One root logger is built at startup; each subsystem asks for a named child by category.
// Categories switched off in config get a no-op logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config, shutdown
	CategoryBrowser   Category = "browser"   // Browser launch, pages, CDP events
	CategoryAuth      Category = "auth"      // Sign-in flow
	CategoryChallenge Category = "challenge" // Verification scenario resolution
	CategoryCapture   Category = "capture"   // Network capture window
	CategoryExtract   Category = "extract"   // Payload normalization
	CategoryStore     Category = "store"     // Document store operations
	CategoryScrape    Category = "scrape"    // Scraping pass orchestration
	CategoryMessenger Category = "messenger" // Outbound messages
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional extra output path
	Categories map[string]bool // per-category toggles; missing = enabled
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
)

// Initialize builds the root logger. Safe to call more than once; the last call wins.
func Initialize(opts Options) error {
	logger, err := Build(opts)
	if err != nil {
		return err
	}

	mu.Lock()
	old := root
	root = logger
	categories = opts.Categories
	mu.Unlock()

	_ = old.Sync()
	return nil
}

// Build constructs a zap logger from opts without installing it.
func Build(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// SetRoot installs an already built logger, e.g. an observer core in tests.
func SetRoot(logger *zap.Logger, cats map[string]bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	root = logger
	categories = cats
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns the logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *zap.Logger {
	if !IsCategoryEnabled(category) {
		return zap.NewNop()
	}
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(category))
}

// Sync flushes the root logger.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return root.Sync()
}

// OrNop returns l, or a no-op logger when l is nil. Constructors use it so callers may
// pass nil in tests.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
