// Package messenger posts templated messages into stored trusted group conversations.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmharvest/internal/logging"
	"dmharvest/internal/store"
	"dmharvest/internal/surface"
	"dmharvest/internal/types"
)

var (
	// ErrAccountNotFound is returned when no account document exists for the username.
	ErrAccountNotFound = errors.New("messenger: account not found")
	// ErrNoCookies is returned when the account has never signed in.
	ErrNoCookies = errors.New("messenger: account has no stored cookies")
	// ErrCookieLogin is returned when the stored cookies do not reach the messages page.
	ErrCookieLogin = errors.New("messenger: cookie login failed")
)

// DefaultTemplates is the message pool used when no template file is configured.
var DefaultTemplates = []string{
	"hit pinned please and add me to gif groups",
	"please don't skip, hit my pinned and recent please i check",
}

// LoadTemplates reads a JSON array of strings from path. An empty path or a missing file
// yields DefaultTemplates. A file that does not hold a non-empty array is an error and
// also yields DefaultTemplates.
func LoadTemplates(path string) ([]string, error) {
	if path == "" {
		return DefaultTemplates, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultTemplates, nil
	}
	if err != nil {
		return DefaultTemplates, fmt.Errorf("read templates: %w", err)
	}
	var templates []string
	if err := json.Unmarshal(data, &templates); err != nil {
		return DefaultTemplates, fmt.Errorf("parse templates %s: %w", path, err)
	}
	if len(templates) == 0 {
		return DefaultTemplates, fmt.Errorf("templates %s: empty list", path)
	}
	return templates, nil
}

// Opener opens an isolated page routed through proxy.
type Opener interface {
	Open(ctx context.Context, proxy string) (surface.Page, error)
}

// Repository is the persistence the messenger reads. *store.Store satisfies it.
type Repository interface {
	Account(ctx context.Context, username string) (*types.Account, error)
	GroupChats(ctx context.Context, q store.GroupChatQuery) ([]types.GroupChat, error)
}

// Config configures a Messenger.
type Config struct {
	MessagesURL      string
	ComposerSelector string
	SendSelector     string
	Templates        []string

	MinDelay        time.Duration
	MaxDelay        time.Duration
	NavigatePause   time.Duration
	ComposerTimeout time.Duration
	FillPause       time.Duration
	SendPause       time.Duration
	SettleTimeout   time.Duration
}

// DefaultConfig returns the stock x.com configuration.
func DefaultConfig() Config {
	return Config{
		MessagesURL:      "https://x.com/messages",
		ComposerSelector: `[data-testid="dmComposerTextInput"]`,
		SendSelector:     `[data-testid="dmComposerSendButton"]`,
		Templates:        DefaultTemplates,
		MinDelay:         5 * time.Second,
		MaxDelay:         15 * time.Second,
		NavigatePause:    2 * time.Second,
		ComposerTimeout:  5 * time.Second,
		FillPause:        time.Second,
		SendPause:        2 * time.Second,
		SettleTimeout:    10 * time.Second,
	}
}

// Delivery is the outcome for one group.
type Delivery struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
	Message        string `json:"message,omitempty"`
	Err            error  `json:"-"`
}

// Report summarizes one Send call.
type Report struct {
	Username   string     `json:"username"`
	Deliveries []Delivery `json:"deliveries"`
}

// Sent counts successful deliveries.
func (r Report) Sent() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			n++
		}
	}
	return n
}

// Messenger sends messages.
type Messenger struct {
	opener Opener
	repo   Repository
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	pick   func(n int) int
}

// New creates a Messenger.
func New(opener Opener, repo Repository, cfg Config, logger *zap.Logger) *Messenger {
	if len(cfg.Templates) == 0 {
		cfg.Templates = DefaultTemplates
	}
	return &Messenger{
		opener: opener,
		repo:   repo,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		sleep:  sleepCtx,
		pick:   rand.IntN,
	}
}

// Send messages every trusted group of username, or only groupIDs when given. Failures
// for a single group are recorded in the report and never abort the run.
func (m *Messenger) Send(ctx context.Context, username string, groupIDs []string) (Report, error) {
	report := Report{Username: username}
	log := m.logger.With(zap.String("username", username))

	acc, err := m.repo.Account(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return report, fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	if err != nil {
		return report, fmt.Errorf("load account: %w", err)
	}
	if len(acc.Cookies) == 0 {
		return report, fmt.Errorf("%w: %s", ErrNoCookies, username)
	}

	groups, err := m.repo.GroupChats(ctx, store.GroupChatQuery{Username: username, TrustedOnly: true, IDs: groupIDs})
	if err != nil {
		return report, err
	}
	if len(groups) == 0 {
		log.Info("no message-eligible groups")
		return report, nil
	}
	log.Info("groups to message", zap.Int("count", len(groups)))

	page, err := m.opener.Open(ctx, acc.Proxy)
	if err != nil {
		return report, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			log.Debug("page close failed", zap.Error(cerr))
		}
	}()

	if err := page.SetCookies(ctx, acc.Cookies); err != nil {
		return report, fmt.Errorf("restore cookies: %w", err)
	}
	if err := m.openInbox(ctx, page); err != nil {
		return report, err
	}

	for i, g := range groups {
		d := Delivery{ConversationID: g.ConversationID, Name: g.Name}
		d.Message, d.Err = m.deliver(ctx, page, g)
		report.Deliveries = append(report.Deliveries, d)

		if d.Err != nil {
			if surface.IsFatal(d.Err) {
				return report, d.Err
			}
			log.Error("failed to message group", zap.String("conversation_id", g.ConversationID), zap.String("name", g.Name), zap.Error(d.Err))
			continue
		}
		log.Info("sent message", zap.String("conversation_id", g.ConversationID), zap.String("name", g.Name))

		if i < len(groups)-1 {
			delay := m.delay()
			log.Debug("waiting before next message", zap.Duration("delay", delay))
			if err := m.sleep(ctx, delay); err != nil {
				return report, err
			}
		}
	}

	log.Info("messaging complete", zap.Int("sent", report.Sent()), zap.Int("groups", len(groups)))
	return report, nil
}

// openInbox loads the messages page and checks the cookies carried the session there.
func (m *Messenger) openInbox(ctx context.Context, page surface.Page) error {
	if err := page.Navigate(ctx, m.cfg.MessagesURL); err != nil {
		return fmt.Errorf("open messages: %w", err)
	}
	if err := page.WaitSettled(ctx, m.cfg.SettleTimeout); err != nil && surface.IsFatal(err) {
		return err
	}
	url, err := page.URL(ctx)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(url, m.cfg.MessagesURL) {
		return fmt.Errorf("%w: landed on %s", ErrCookieLogin, url)
	}
	return nil
}

func (m *Messenger) deliver(ctx context.Context, page surface.Page, g types.GroupChat) (string, error) {
	convURL := strings.TrimSuffix(m.cfg.MessagesURL, "/") + "/" + g.ConversationID
	if err := page.Navigate(ctx, convURL); err != nil {
		return "", fmt.Errorf("open conversation: %w", err)
	}
	if err := m.sleep(ctx, m.cfg.NavigatePause); err != nil {
		return "", err
	}
	url, err := page.URL(ctx)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(url, convURL) {
		return "", fmt.Errorf("%w: conversation %s redirected to %s", surface.ErrNavigation, g.ConversationID, url)
	}

	message := m.choose(g)

	composer, err := page.WaitVisible(ctx, m.cfg.ComposerSelector, m.cfg.ComposerTimeout)
	if err != nil {
		return "", fmt.Errorf("wait for composer: %w", err)
	}
	if err := composer.Fill(ctx, message); err != nil {
		return "", fmt.Errorf("fill composer: %w", err)
	}
	if err := m.sleep(ctx, m.cfg.FillPause); err != nil {
		return "", err
	}
	send, err := page.WaitVisible(ctx, m.cfg.SendSelector, m.cfg.ComposerTimeout)
	if err != nil {
		return "", fmt.Errorf("wait for send button: %w", err)
	}
	if err := send.Activate(ctx); err != nil {
		return "", fmt.Errorf("click send: %w", err)
	}
	if err := m.sleep(ctx, m.cfg.SendPause); err != nil {
		return "", err
	}
	return message, nil
}

// choose picks from the group's own messages when it has any, else from the templates.
func (m *Messenger) choose(g types.GroupChat) string {
	pool := g.CustomMessages
	if len(pool) == 0 {
		pool = m.cfg.Templates
	}
	return pool[m.pick(len(pool))]
}

// delay returns a uniform duration in [MinDelay, MaxDelay].
func (m *Messenger) delay() time.Duration {
	lo, hi := m.cfg.MinDelay, m.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.pick(int(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
