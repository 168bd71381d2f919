package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dmharvest/internal/auth"
	"dmharvest/internal/browser"
	"dmharvest/internal/challenge"
	"dmharvest/internal/config"
	"dmharvest/internal/logging"
	"dmharvest/internal/messenger"
	"dmharvest/internal/scrape"
	"dmharvest/internal/store"
)

func storeOptions(c *config.Config) store.Options {
	cols := c.Store.Collections
	return store.Options{
		Driver: c.Store.Driver,
		Path:   c.Store.Path,
		Collections: store.Collections{
			Accounts:   cols.Accounts,
			GroupChats: cols.GroupChats,
			Users:      cols.Users,
			Raw:        cols.Raw,
		},
	}
}

func browserConfig(c *config.Config) browser.Config {
	return browser.Config{
		DebuggerURL:       c.Browser.DebuggerURL,
		Bin:               c.Browser.Bin,
		Headless:          c.Browser.Headless,
		ViewportWidth:     c.Browser.ViewportWidth,
		ViewportHeight:    c.Browser.ViewportHeight,
		NavigationTimeout: c.GetNavigationTimeout(),
	}
}

func challengeTiming(c *config.Config) challenge.Timing {
	return challenge.Timing{
		Probe:     c.GetProbeTimeout(),
		Action:    c.GetActionTimeout(),
		Submit:    c.GetSubmitTimeout(),
		FillPause: c.GetFillPause(),
		Grace:     c.GetGracePeriod(),
		Settle:    c.GetChallengeSettleTimeout(),
	}
}

func authConfig(c *config.Config) auth.Config {
	ac := auth.DefaultConfig()
	if c.Auth.LoginURL != "" {
		ac.LoginURL = c.Auth.LoginURL
	}
	if c.Auth.HomeURL != "" {
		ac.HomeURL = c.Auth.HomeURL
	}
	if c.Auth.SettingsURL != "" {
		ac.SettingsURL = c.Auth.SettingsURL
	}
	if c.Auth.Bearer != "" {
		ac.Bearer = c.Auth.Bearer
	}
	ac.FieldTimeout = c.GetFieldTimeout()
	ac.SettleTimeout = c.GetAuthSettleTimeout()
	ac.VerifyTimeout = c.GetVerifyTimeout()
	ac.Timing = challengeTiming(c)
	return ac
}

func scrapeConfig(c *config.Config) scrape.Config {
	sc := scrape.DefaultConfig()
	w := &sc.Window
	if c.Capture.URL != "" {
		w.URL = c.Capture.URL
	}
	if len(c.Capture.Targets) > 0 {
		w.Targets = c.Capture.Targets
	}
	w.Iterations = c.Capture.Iterations
	w.Delay = c.GetCaptureDelay()
	if c.Capture.ScrollDelta != 0 {
		w.ScrollDelta = c.Capture.ScrollDelta
	}
	w.FallbackIterations = c.Capture.FallbackIterations
	w.FallbackDelay = c.GetFallbackDelay()
	w.SettleTimeout = c.GetCaptureSettleTimeout()
	if c.Auth.LoginURL != "" && !contains(sc.LoginURLPrefixes, c.Auth.LoginURL) {
		sc.LoginURLPrefixes = append(sc.LoginURLPrefixes, c.Auth.LoginURL)
	}
	return sc
}

func messengerConfig(c *config.Config, templates []string) messenger.Config {
	mc := messenger.DefaultConfig()
	mc.Templates = templates
	mc.MinDelay = c.GetMessengerMinDelay()
	mc.MaxDelay = c.GetMessengerMaxDelay()
	return mc
}

// startBrowser returns a manager whose Chrome is shut down by the returned func.
func startBrowser(c *config.Config) (*browser.Manager, func()) {
	mgr := browser.NewManager(browserConfig(c), logging.Get(logging.CategoryBrowser))
	return mgr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			logging.Get(logging.CategoryBrowser).Warn("browser shutdown failed", zap.Error(err))
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
