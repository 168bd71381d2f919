// Package capture records the direct-message API traffic a page produces while it is
// stimulated with scroll and click gestures.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmharvest/internal/logging"
	"dmharvest/internal/surface"
	"dmharvest/internal/types"
)

// WindowSpec describes one capture window.
type WindowSpec struct {
	URL     string
	Targets []string // URL fragments; a request is retained if its URL contains any of them

	Container   string // primary scroll scaffold
	Viewport    string // preferred scrollable child of Container
	Iterations  int
	Delay       time.Duration
	ScrollDelta float64

	// Fallback routine used when Container is absent.
	FallbackItems      string
	FallbackIterations int
	FallbackDelay      time.Duration

	SettleTimeout time.Duration
}

// DefaultWindowSpec returns the x.com messages capture window.
func DefaultWindowSpec() WindowSpec {
	return WindowSpec{
		URL: "https://x.com/messages",
		Targets: []string{
			"api/1.1/dm/inbox_initial_state.json",
			"api/1.1/dm/user_updates.json",
		},
		Container:          `section[aria-label="Section navigation"]`,
		Viewport:           `div[data-viewportview="true"]`,
		Iterations:         5,
		Delay:              5 * time.Second,
		ScrollDelta:        500,
		FallbackItems:      `div[data-testid="conversation"]`,
		FallbackIterations: 3,
		FallbackDelay:      3 * time.Second,
		SettleTimeout:      10 * time.Second,
	}
}

// Capturer runs capture windows.
type Capturer struct {
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewCapturer creates a Capturer. A nil logger disables logging.
func NewCapturer(logger *zap.Logger) *Capturer {
	return &Capturer{
		logger: logging.OrNop(logger),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Capture runs one window with the capture category logger.
func Capture(ctx context.Context, page surface.Page, spec WindowSpec) ([]types.Exchange, error) {
	return NewCapturer(logging.Get(logging.CategoryCapture)).Capture(ctx, page, spec)
}

// Capture opens spec.URL on page, stimulates it and returns every retained exchange in
// request order, completed or not. Both hooks are removed before Capture returns.
// A navigation failure returns what was retained so far with an error wrapping
// surface.ErrNavigation.
func (c *Capturer) Capture(ctx context.Context, page surface.Page, spec WindowSpec) ([]types.Exchange, error) {
	buf := &buffer{targets: spec.Targets, now: c.now, logger: c.logger}

	err := func() error {
		offReq := page.OnRequest(buf.onRequest)
		defer offReq()
		offResp := page.OnResponse(buf.onResponse)
		defer offResp()
		return c.window(ctx, page, spec)
	}()

	exchanges := buf.snapshot()
	completed := 0
	for _, ex := range exchanges {
		if ex.Completed {
			completed++
		}
	}
	c.logger.Info("capture window closed",
		zap.Int("retained", len(exchanges)),
		zap.Int("completed", completed),
		zap.Error(err))

	return exchanges, err
}

func (c *Capturer) window(ctx context.Context, page surface.Page, spec WindowSpec) error {
	if err := page.Navigate(ctx, spec.URL); err != nil {
		if !errors.Is(err, surface.ErrNavigation) && !surface.IsFatal(err) {
			err = fmt.Errorf("%w: %v", surface.ErrNavigation, err)
		}
		return fmt.Errorf("open %s: %w", spec.URL, err)
	}
	if err := c.tolerate(page.WaitSettled(ctx, spec.SettleTimeout), "settle"); err != nil {
		return err
	}

	container, found, err := page.Query(ctx, spec.Container)
	if err != nil {
		if surface.IsFatal(err) {
			return err
		}
		c.logger.Debug("container lookup failed", zap.Error(err))
	}
	if !found {
		c.logger.Warn("navigation container not found, using fallback", zap.String("selector", spec.Container))
		return c.fallback(ctx, page, spec)
	}

	target := container
	if spec.Viewport != "" {
		if vp, ok, err := container.Query(ctx, spec.Viewport); err == nil && ok {
			target = vp
		} else if surface.IsFatal(err) {
			return err
		}
	}

	for i := 0; i < spec.Iterations; i++ {
		if err := c.sleep(ctx, spec.Delay); err != nil {
			return err
		}
		c.logger.Debug("scroll attempt", zap.Int("attempt", i+1), zap.Int("of", spec.Iterations))

		if err := c.tolerate(target.Wheel(ctx, spec.ScrollDelta), "wheel"); err != nil {
			return err
		}
		if err := c.tolerate(target.ScrollBy(ctx, spec.ScrollDelta), "scroll"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Capturer) fallback(ctx context.Context, page surface.Page, spec WindowSpec) error {
	for i := 0; i < spec.FallbackIterations; i++ {
		if err := c.tolerate(page.ScrollWindow(ctx, spec.ScrollDelta), "window scroll"); err != nil {
			return err
		}
		if err := c.sleep(ctx, spec.FallbackDelay); err != nil {
			return err
		}

		items, err := page.QueryAll(ctx, spec.FallbackItems)
		if err := c.tolerate(err, "list candidates"); err != nil {
			return err
		}
		if i >= len(items) {
			continue
		}
		if err := c.tolerate(items[i].Activate(ctx), "click candidate"); err != nil {
			return err
		}
		c.logger.Debug("clicked candidate", zap.Int("index", i))
		if err := c.sleep(ctx, spec.FallbackDelay); err != nil {
			return err
		}
	}
	return nil
}

// tolerate logs gesture failures and passes through only session-level ones.
func (c *Capturer) tolerate(err error, step string) error {
	if err == nil {
		return nil
	}
	if surface.IsFatal(err) {
		return fmt.Errorf("%s: %w", step, err)
	}
	c.logger.Debug("gesture failed", zap.String("step", step), zap.Error(err))
	return nil
}

// buffer collects retained exchanges. Hooks may fire on browser event goroutines.
type buffer struct {
	targets []string
	now     func() time.Time
	logger  *zap.Logger

	mu        sync.Mutex
	exchanges []types.Exchange
}

func (b *buffer) retains(url string) bool {
	for _, t := range b.targets {
		if strings.Contains(url, t) {
			return true
		}
	}
	return false
}

func (b *buffer) onRequest(req surface.Request) {
	if !b.retains(req.URL) {
		return
	}
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = append(b.exchanges, types.Exchange{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   headers,
		Timestamp: b.now().UTC(),
	})
}

// onResponse pairs resp with the first retained request of the same URL. Concurrent
// requests to one URL share that slot, so the last response to arrive wins.
func (b *buffer) onResponse(resp surface.Response) {
	if !b.retains(resp.URL) {
		return
	}
	body, err := resp.Body()
	if err != nil {
		b.logger.Warn("response body unavailable", zap.String("url", resp.URL), zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.exchanges {
		if b.exchanges[i].URL == resp.URL {
			b.exchanges[i].Body = body
			b.exchanges[i].Status = resp.Status
			b.exchanges[i].Completed = true
			return
		}
	}
}

func (b *buffer) snapshot() []types.Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Exchange(nil), b.exchanges...)
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
