// Package auth signs an account in through the browser, clears any interposed
// challenges, and persists the resulting session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dmharvest/internal/challenge"
	"dmharvest/internal/logging"
	"dmharvest/internal/store"
	"dmharvest/internal/surface"
	"dmharvest/internal/types"
)

// ErrLoginRejected is returned when the settings page cannot be reached after sign-in.
var ErrLoginRejected = errors.New("auth: login rejected")

// Sign-in form selectors.
var (
	IdentifierSelector  = surface.TextXPath("Phone, email, or username")
	NextSelector        = surface.TextXPath("Next")
	PasswordSelector    = surface.TextXPath("Password")
	LoginButtonSelector = "//button[@data-testid='LoginForm_Login_Button']"
)

const (
	csrfCookie  = "ct0"
	contentType = "application/json"
	userAgentJS = `() => navigator.userAgent`
)

// Credentials identify the account being signed in.
type Credentials struct {
	Username string
	Password string
	Proxy    string
}

// Config holds the sign-in URLs and bounds.
type Config struct {
	LoginURL    string
	HomeURL     string
	SettingsURL string
	// LoginURLs are every URL that means "still on the sign-in form". LoginURL is always
	// included.
	LoginURLs []string
	Bearer    string

	FieldTimeout  time.Duration
	SettleTimeout time.Duration
	VerifyTimeout time.Duration

	Challenges []challenge.Descriptor // nil means challenge.DefaultTable
	Timing     challenge.Timing
}

// DefaultConfig returns the stock x.com configuration.
func DefaultConfig() Config {
	return Config{
		LoginURL:      "https://x.com/i/flow/login",
		HomeURL:       "https://x.com/home",
		SettingsURL:   "https://x.com/settings/privacy_and_safety",
		LoginURLs:     []string{"https://x.com/login", "https://x.com/i/flow/login"},
		Bearer:        "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA",
		FieldTimeout:  15 * time.Second,
		SettleTimeout: 15 * time.Second,
		VerifyTimeout: 5 * time.Second,
		Timing:        challenge.DefaultTiming(),
	}
}

func (c Config) isLoginURL(url string) bool {
	if url == c.LoginURL {
		return true
	}
	for _, u := range c.LoginURLs {
		if url == u {
			return true
		}
	}
	return false
}

// Opener opens an isolated page routed through proxy.
type Opener interface {
	Open(ctx context.Context, proxy string) (surface.Page, error)
}

// SessionSaver persists a successful sign-in.
type SessionSaver interface {
	SaveSession(ctx context.Context, username string, session *types.AuthSession, proxy string) (store.UpsertResult, error)
}

// Authenticator runs the sign-in flow.
type Authenticator struct {
	opener Opener
	saver  SessionSaver
	cfg    Config
	logger *zap.Logger
}

// New creates an Authenticator. saver may be nil, in which case nothing is persisted.
func New(opener Opener, saver SessionSaver, cfg Config, logger *zap.Logger) *Authenticator {
	return &Authenticator{opener: opener, saver: saver, cfg: cfg, logger: logging.OrNop(logger)}
}

// Login opens a fresh page, signs creds in and stores the session.
func (a *Authenticator) Login(ctx context.Context, creds Credentials, provider challenge.InputProvider) (*types.AuthSession, error) {
	page, err := a.opener.Open(ctx, creds.Proxy)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			a.logger.Debug("page close failed", zap.Error(err))
		}
	}()

	session, err := a.SignIn(ctx, page, creds, provider)
	if err != nil {
		return nil, err
	}

	if a.saver != nil {
		if _, err := a.saver.SaveSession(ctx, creds.Username, session, creds.Proxy); err != nil {
			return nil, err
		}
		a.logger.Info("session stored", zap.String("username", creds.Username))
	}
	return session, nil
}

// SignIn drives the sign-in form on page and, once the settings page is reachable,
// returns the session built from the page's cookies.
func (a *Authenticator) SignIn(ctx context.Context, page surface.Page, creds Credentials, provider challenge.InputProvider) (*types.AuthSession, error) {
	log := a.logger.With(zap.String("username", creds.Username))

	if err := page.Navigate(ctx, a.cfg.LoginURL); err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}
	if err := a.settle(ctx, page, a.cfg.SettleTimeout); err != nil {
		return nil, err
	}

	url, err := page.URL(ctx)
	if err != nil {
		return nil, err
	}

	if a.cfg.isLoginURL(url) {
		log.Info("starting login")
		if err := a.submitCredentials(ctx, page, creds, provider, log); err != nil {
			return nil, err
		}
	} else {
		log.Debug("not on login form, checking existing session", zap.String("url", url))
	}

	if err := a.verify(ctx, page); err != nil {
		return nil, err
	}
	log.Info("logged in")
	return a.buildSession(ctx, page)
}

// submitCredentials fills the identifier and password steps. Missing form fields are
// logged and left to verification; challenge failures and lost sessions are returned.
func (a *Authenticator) submitCredentials(ctx context.Context, page surface.Page, creds Credentials, provider challenge.InputProvider, log *zap.Logger) error {
	resolver := challenge.NewResolver(page, a.cfg.Challenges, a.cfg.Timing, logging.Get(logging.CategoryChallenge))

	if err := a.fillStep(ctx, page, IdentifierSelector, creds.Username, NextSelector); err != nil {
		if surface.IsFatal(err) {
			return err
		}
		log.Warn("identifier step failed", zap.Error(err))
		return nil
	}
	log.Debug("entered username")

	if _, err := resolver.Resolve(ctx, provider); err != nil {
		return fmt.Errorf("resolve challenges: %w", err)
	}

	if err := a.fillStep(ctx, page, PasswordSelector, creds.Password, LoginButtonSelector); err != nil {
		if surface.IsFatal(err) {
			return err
		}
		log.Warn("password step failed", zap.Error(err))
		return nil
	}
	log.Debug("submitted password")

	if err := a.settle(ctx, page, a.cfg.SettleTimeout); err != nil {
		return err
	}
	url, err := page.URL(ctx)
	if err != nil {
		return err
	}
	if url == a.cfg.HomeURL {
		return nil
	}

	log.Debug("not on home, checking for post-login challenges", zap.String("url", url))
	if _, err := resolver.Resolve(ctx, provider); err != nil {
		return fmt.Errorf("resolve challenges: %w", err)
	}
	return nil
}

func (a *Authenticator) fillStep(ctx context.Context, page surface.Page, field, value, submit string) error {
	el, err := page.WaitVisible(ctx, field, a.cfg.FieldTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", field, err)
	}
	if err := el.Fill(ctx, value); err != nil {
		return fmt.Errorf("fill %s: %w", field, err)
	}
	btn, err := page.WaitVisible(ctx, submit, a.cfg.FieldTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", submit, err)
	}
	if err := btn.Activate(ctx); err != nil {
		return fmt.Errorf("click %s: %w", submit, err)
	}
	return nil
}

// verify loads the settings page, which only an authenticated session can reach.
func (a *Authenticator) verify(ctx context.Context, page surface.Page) error {
	if err := page.Navigate(ctx, a.cfg.SettingsURL); err != nil {
		return fmt.Errorf("open settings page: %w", err)
	}
	if err := a.settle(ctx, page, a.cfg.VerifyTimeout); err != nil {
		return err
	}
	url, err := page.URL(ctx)
	if err != nil {
		return err
	}
	switch {
	case url == a.cfg.SettingsURL:
		return nil
	case a.cfg.isLoginURL(url):
		return fmt.Errorf("%w: redirected to sign-in", ErrLoginRejected)
	default:
		return fmt.Errorf("%w: unexpected url %s", ErrLoginRejected, url)
	}
}

func (a *Authenticator) buildSession(ctx context.Context, page surface.Page) (*types.AuthSession, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	session := &types.AuthSession{
		Authorization: a.cfg.Bearer,
		ContentType:   contentType,
		Cookies:       cookies,
	}
	for _, c := range cookies {
		if c.Name == csrfCookie {
			session.CSRFToken = c.Value
			break
		}
	}

	raw, err := page.Evaluate(ctx, userAgentJS)
	if err != nil {
		return nil, fmt.Errorf("read user agent: %w", err)
	}
	var ua string
	if err := json.Unmarshal(raw, &ua); err != nil {
		a.logger.Warn("user agent is not a string", zap.ByteString("value", raw))
	}
	session.UserAgent = ua
	return session, nil
}

// settle waits for the page to go quiet. Only a lost session is an error.
func (a *Authenticator) settle(ctx context.Context, page surface.Page, timeout time.Duration) error {
	if err := page.WaitSettled(ctx, timeout); err != nil {
		if surface.IsFatal(err) {
			return err
		}
		a.logger.Debug("page did not settle", zap.Error(err))
	}
	return nil
}
