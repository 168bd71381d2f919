package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// replacing variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Store
	if v := os.Getenv("DMHARVEST_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("DMHARVEST_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	// Collection names keep the variable names the account tooling already uses.
	if v := os.Getenv("ACCOUNTS_COLLECTION"); v != "" {
		c.Store.Collections.Accounts = v
	}
	if v := os.Getenv("GROUP_CHATS_COLLECTION"); v != "" {
		c.Store.Collections.GroupChats = v
	}
	if v := os.Getenv("USERS_COLLECTION"); v != "" {
		c.Store.Collections.Users = v
	}
	if v := os.Getenv("RAW_DATA_COLLECTION"); v != "" {
		c.Store.Collections.Raw = v
	}

	// Browser
	if v := os.Getenv("DMHARVEST_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("DMHARVEST_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}

	if v := os.Getenv("DMHARVEST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
