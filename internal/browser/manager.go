// Package browser drives Chrome through rod and implements the surface interfaces.
// Every page lives in its own browser context so cookies and proxies never leak between
// accounts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dmharvest/internal/logging"
	"dmharvest/internal/surface"
)

// Session describes the public metadata for a tracked page.
type Session struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id,omitempty"`
	Proxy     string    `json:"proxy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Bin               string
	Flags             []string // extra Chrome flags, "name=value" or "name"
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          false,
		ViewportWidth:     1280,
		ViewportHeight:    800,
		NavigationTimeout: 30 * time.Second,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1280
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 800
	}
	return c.ViewportHeight
}

// GetNavigationTimeout returns the navigation timeout.
func (c Config) GetNavigationTimeout() time.Duration {
	if c.NavigationTimeout == 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// Manager owns the Chrome instance and tracks open pages.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	pages      map[string]*Page
	controlURL string
}

// NewManager creates a new manager. The browser starts lazily on the first page.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		pages:  make(map[string]*Page),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// If we already have a browser, verify it's still alive
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.pages = make(map[string]*Page)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		for _, rawFlag := range m.cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		url, err := l.Context(ctx).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		m.launch = l
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = b
	m.controlURL = controlURL
	m.logger.Info("browser connected", zap.Bool("headless", m.cfg.Headless), zap.Bool("attached", m.cfg.DebuggerURL != ""))
	return nil
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// List returns metadata for all open pages.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.pages))
	for _, p := range m.pages {
		results = append(results, p.meta)
	}
	return results
}

// Open parses proxy and opens a page; it satisfies the openers used by the flows.
func (m *Manager) Open(ctx context.Context, proxy string) (surface.Page, error) {
	p, err := ParseProxy(proxy)
	if err != nil {
		return nil, err
	}
	page, err := m.NewPage(ctx, p)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// NewPage opens about:blank in a fresh browser context routed through proxy, if any.
func (m *Manager) NewPage(ctx context.Context, proxy *Proxy) (*Page, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	createCtx := proto.TargetCreateBrowserContext{DisposeOnDetach: true}
	if proxy != nil {
		createCtx.ProxyServer = proxy.Server
	}
	bc, err := createCtx.Call(b)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	// Browser.Page would replace the context id, so the target is created directly.
	target, err := proto.TargetCreateTarget{URL: "about:blank", BrowserContextID: bc.BrowserContextID}.Call(b)
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: bc.BrowserContextID}.Call(b)
		return nil, fmt.Errorf("create page: %w", err)
	}
	rp, err := b.PageFromTarget(target.TargetID)
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: bc.BrowserContextID}.Call(b)
		return nil, fmt.Errorf("attach page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(rp); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}
	if err := (proto.NetworkEnable{}).Call(rp); err != nil {
		m.logger.Warn("failed to enable network domain", zap.Error(err))
	}

	meta := Session{
		ID:        uuid.NewString(),
		TargetID:  string(rp.TargetID),
		CreatedAt: time.Now(),
	}
	if proxy != nil {
		meta.Proxy = proxy.Server
	}

	page := &Page{
		meta:       meta,
		manager:    m,
		browser:    b,
		page:       rp,
		contextID:  bc.BrowserContextID,
		navTimeout: m.cfg.GetNavigationTimeout(),
		logger:     m.logger.With(zap.String("session", meta.ID)),
	}
	page.net = newNetwork(page.events)
	if proxy.HasAuth() {
		if err := page.handleProxyAuth(proxy.Username, proxy.Password); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("proxy auth: %w", err)
		}
	}

	m.mu.Lock()
	m.pages[meta.ID] = page
	m.mu.Unlock()

	m.logger.Debug("page opened", zap.String("session", meta.ID), zap.String("proxy", meta.Proxy))
	return page, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
}

// Shutdown closes tracked pages and the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pages := make([]*Page, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.launch != nil {
		m.launch.Kill()
		m.launch = nil
	}
	m.controlURL = ""
	m.logger.Info("browser shut down")
	return err
}
