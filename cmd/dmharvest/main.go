package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmharvest/internal/config"
	"dmharvest/internal/logging"
	"dmharvest/internal/store"
)

var (
	// Global flags
	configPath string
	envPath    string
	verbose    bool
	timeout    time.Duration

	// Set up by PersistentPreRunE
	cfg    *config.Config
	db     *store.Store
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dmharvest",
	Short: "Sign in, harvest and message group conversations",
	Long: `dmharvest drives a real browser to sign in to x.com accounts, capture the
group conversations their inboxes load, and store them as documents.

Typical flow:
  dmharvest login -u alice
  dmharvest scrape alice
  dmharvest groups alice
  dmharvest message -u alice`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dmharvest.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "Dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.Execute()
	// PersistentPostRun is skipped when a command fails.
	teardown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return err
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = loaded

	opts := cfg.Logging.Options()
	if verbose {
		opts.Level = "debug"
	}
	if err := logging.Initialize(opts); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logging.Get(logging.CategoryBoot)

	db, err = store.Open(storeOptions(cfg), logging.Get(logging.CategoryStore))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	logger.Debug("config loaded", zap.String("path", configPath), zap.String("store", cfg.Store.Driver))
	return nil
}

func teardown() {
	if db != nil {
		if err := db.Close(); err != nil && logger != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
		db = nil
	}
	_ = logging.Sync()
}

// commandContext bounds a command by --timeout and cancels it on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
