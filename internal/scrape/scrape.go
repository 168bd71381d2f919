// Package scrape runs one capture-extract-persist pass per account.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dmharvest/internal/capture"
	"dmharvest/internal/extract"
	"dmharvest/internal/logging"
	"dmharvest/internal/store"
	"dmharvest/internal/surface"
	"dmharvest/internal/types"
)

var (
	// ErrAccountNotFound is returned when no account document exists for the username.
	ErrAccountNotFound = errors.New("scrape: account not found")
	// ErrNoCookies is returned when the account has never signed in.
	ErrNoCookies = errors.New("scrape: account has no stored cookies")
	// ErrSessionExpired is returned when the stored cookies no longer authenticate.
	ErrSessionExpired = errors.New("scrape: session expired")
)

// Opener opens an isolated page routed through proxy.
type Opener interface {
	Open(ctx context.Context, proxy string) (surface.Page, error)
}

// Repository is the persistence a pass needs. *store.Store satisfies it.
type Repository interface {
	Account(ctx context.Context, username string) (*types.Account, error)
	UpsertGroupChat(ctx context.Context, conv types.Conversation) (store.UpsertResult, error)
	UpsertProfile(ctx context.Context, p types.UserProfile) (store.UpsertResult, error)
	InsertRaw(ctx context.Context, r types.RawRecord) (string, error)
}

// Config configures a Runner.
type Config struct {
	Window capture.WindowSpec
	// LoginURLPrefixes mark a redirect to sign-in after the capture window.
	LoginURLPrefixes []string
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Window:           capture.DefaultWindowSpec(),
		LoginURLPrefixes: []string{"https://x.com/i/flow/login", "https://x.com/login"},
	}
}

// Counts tallies the outcome of persisting one record kind.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Summary reports one account's pass.
type Summary struct {
	Username  string        `json:"username"`
	Exchanges int           `json:"exchanges"`
	Groups    Counts        `json:"groups"`
	Profiles  Counts        `json:"profiles"`
	Raw       Counts        `json:"raw"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Runner executes scraping passes.
type Runner struct {
	opener   Opener
	repo     Repository
	cfg      Config
	logger   *zap.Logger
	capturer *capture.Capturer
	now      func() time.Time
}

// New creates a Runner.
func New(opener Opener, repo Repository, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		opener:   opener,
		repo:     repo,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		capturer: capture.NewCapturer(logging.Get(logging.CategoryCapture)),
		now:      time.Now,
	}
}

// Run scrapes username's group conversations and persists them.
func (r *Runner) Run(ctx context.Context, username string) (Summary, error) {
	start := r.now()
	sum := Summary{Username: username}
	err := r.run(ctx, username, &sum)
	sum.Duration = r.now().Sub(start)
	sum.Err = err
	return sum, err
}

func (r *Runner) run(ctx context.Context, username string, sum *Summary) error {
	log := r.logger.With(zap.String("username", username))

	acc, err := r.repo.Account(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if len(acc.Cookies) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCookies, username)
	}

	page, err := r.opener.Open(ctx, acc.Proxy)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			log.Debug("page close failed", zap.Error(cerr))
		}
	}()

	if err := page.SetCookies(ctx, acc.Cookies); err != nil {
		return fmt.Errorf("restore cookies: %w", err)
	}

	log.Info("starting capture")
	exchanges, err := r.capturer.Capture(ctx, page, r.cfg.Window)
	sum.Exchanges = len(exchanges)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	url, err := page.URL(ctx)
	if err != nil {
		return err
	}
	if r.isLoginURL(url) {
		return fmt.Errorf("%w: redirected to %s", ErrSessionExpired, url)
	}

	res := extract.New(acc.ID, username, logging.Get(logging.CategoryExtract)).Extract(exchanges)
	log.Info("extracted",
		zap.Int("exchanges", len(exchanges)),
		zap.Int("raw", len(res.Raw)),
		zap.Int("group_chats", len(res.Conversations)),
		zap.Int("users", len(res.Profiles)))

	return r.persist(ctx, res, sum, log)
}

// persist writes every record. Individual failures are logged and counted; only a
// cancelled ctx stops the loop.
func (r *Runner) persist(ctx context.Context, res extract.Result, sum *Summary, log *zap.Logger) error {
	for _, conv := range res.Conversations {
		if err := ctx.Err(); err != nil {
			return err
		}
		upserted, err := r.repo.UpsertGroupChat(ctx, conv)
		sum.Groups.tally(upserted, err)
		if err != nil {
			log.Error("failed to save group chat", zap.String("conversation_id", conv.ConversationID), zap.String("name", conv.Name), zap.Error(err))
		}
	}
	for _, p := range res.Profiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		upserted, err := r.repo.UpsertProfile(ctx, p)
		sum.Profiles.tally(upserted, err)
		if err != nil {
			log.Error("failed to save user", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	for _, raw := range res.Raw {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.repo.InsertRaw(ctx, raw); err != nil {
			sum.Raw.Failed++
			log.Error("failed to save raw record", zap.String("url", raw.URL), zap.Error(err))
			continue
		}
		sum.Raw.Inserted++
	}

	log.Info("database updated",
		zap.Int("groups_new", sum.Groups.Inserted),
		zap.Int("groups_updated", sum.Groups.Updated),
		zap.Int("users_new", sum.Profiles.Inserted),
		zap.Int("users_updated", sum.Profiles.Updated))
	return nil
}

func (c *Counts) tally(res store.UpsertResult, err error) {
	switch {
	case err != nil:
		c.Failed++
	case res.InsertedID != "":
		c.Inserted++
	case res.ModifiedCount > 0:
		c.Updated++
	}
}

func (r *Runner) isLoginURL(url string) bool {
	for _, prefix := range r.cfg.LoginURLPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// RunAll scrapes every account with at most parallel passes in flight. Each pass gets
// its own page. Per-account failures land in the summaries; the returned error is only
// ever the ctx error.
func (r *Runner) RunAll(ctx context.Context, usernames []string, parallel int) ([]Summary, error) {
	if parallel < 1 {
		parallel = 1
	}
	summaries := make([]Summary, len(usernames))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(parallel)
	for i, username := range usernames {
		eg.Go(func() error {
			sum, err := r.Run(egCtx, username)
			if err != nil {
				r.logger.Warn("scrape failed", zap.String("username", username), zap.Error(err))
			}
			summaries[i] = sum
			return nil
		})
	}
	_ = eg.Wait()
	return summaries, ctx.Err()
}
