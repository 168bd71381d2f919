package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"dmharvest/internal/surface"
	"dmharvest/internal/types"
)

// Page is a rod page inside its own browser context. It implements surface.Page.
type Page struct {
	meta       Session
	manager    *Manager
	browser    *rod.Browser
	page       *rod.Page
	contextID  proto.BrowserBrowserContextID
	navTimeout time.Duration
	logger     *zap.Logger

	net       *network
	closeOnce sync.Once
	stopAuth  func()
}

// settleQuiet is how long the page must go without a pending request to count as settled.
const settleQuiet = 500 * time.Millisecond

var (
	_ surface.Page    = (*Page)(nil)
	_ surface.Element = (*element)(nil)
)

// mapErr translates rod failures into surface errors. A deadline that expired while the
// caller's ctx is still alive is a bounded wait timing out. Other failures become
// ErrSessionClosed once the target is gone.
func (p *Page) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", surface.ErrTimeout, err)
	}
	if !p.alive() {
		return fmt.Errorf("%w: %v", surface.ErrSessionClosed, err)
	}
	return err
}

func (p *Page) alive() bool {
	if _, err := p.browser.Version(); err != nil {
		return false
	}
	_, err := proto.TargetGetTargetInfo{TargetID: p.page.TargetID}.Call(p.browser)
	return err == nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	err := p.page.Context(ctx).Timeout(p.navTimeout).Navigate(url)
	if err == nil {
		return nil
	}
	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		return fmt.Errorf("%w: %s: %s", surface.ErrNavigation, url, navErr.Reason)
	}
	mapped := p.mapErr(ctx, err)
	if surface.IsFatal(mapped) {
		return mapped
	}
	return fmt.Errorf("%w: %s: %v", surface.ErrNavigation, url, mapped)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", p.mapErr(ctx, err)
	}
	return info.URL, nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) (surface.Element, error) {
	bounded := p.page.Context(ctx).Timeout(timeout)

	var el *rod.Element
	var err error
	if surface.IsXPath(selector) {
		el, err = bounded.ElementX(selector)
	} else {
		el, err = bounded.Element(selector)
	}
	if err != nil {
		return nil, p.mapErr(ctx, err)
	}
	if err := el.WaitVisible(); err != nil {
		return nil, p.mapErr(ctx, err)
	}
	return &element{page: p, el: el}, nil
}

func (p *Page) Query(ctx context.Context, selector string) (surface.Element, bool, error) {
	page := p.page.Context(ctx)

	var found bool
	var el *rod.Element
	var err error
	if surface.IsXPath(selector) {
		found, el, err = page.HasX(selector)
	} else {
		found, el, err = page.Has(selector)
	}
	if err != nil {
		return nil, false, p.mapErr(ctx, err)
	}
	if !found {
		return nil, false, nil
	}
	return &element{page: p, el: el}, true, nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]surface.Element, error) {
	page := p.page.Context(ctx)

	var els rod.Elements
	var err error
	if surface.IsXPath(selector) {
		els, err = page.ElementsX(selector)
	} else {
		els, err = page.Elements(selector)
	}
	if err != nil {
		return nil, p.mapErr(ctx, err)
	}
	out := make([]surface.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{page: p, el: el})
	}
	return out, nil
}

// WaitSettled waits for the load event and then for settleQuiet without a pending
// request. Only requests sent after the call are tracked.
func (p *Page) WaitSettled(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	bounded := p.page.Context(tctx)
	if err := bounded.WaitLoad(); err != nil {
		return p.mapErr(ctx, err)
	}
	bounded.WaitRequestIdle(settleQuiet, nil, nil, nil)()
	if err := tctx.Err(); err != nil {
		return p.mapErr(ctx, err)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, script string, args ...any) ([]byte, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, p.mapErr(ctx, err)
	}
	if res == nil {
		return []byte("null"), nil
	}
	return res.Value.MarshalJSON()
}

func (p *Page) ScrollWindow(ctx context.Context, dy float64) error {
	_, err := p.Evaluate(ctx, `(dy) => window.scrollBy(0, dy)`, dy)
	return err
}

func (p *Page) Cookies(ctx context.Context) ([]types.Cookie, error) {
	res, err := proto.NetworkGetCookies{}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, p.mapErr(ctx, err)
	}
	return fromProtoCookies(res.Cookies), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	if err := p.page.Context(ctx).SetCookies(toProtoCookies(cookies)); err != nil {
		return p.mapErr(ctx, err)
	}
	return nil
}

// OnRequest streams Network.requestWillBeSent to handler until off is called.
func (p *Page) OnRequest(handler func(surface.Request)) func() {
	return p.net.add(handler, nil)
}

// OnResponse delivers a response once its body has finished loading.
func (p *Page) OnResponse(handler func(surface.Response)) func() {
	return p.net.add(nil, handler)
}

// subscribe runs an EachEvent loop in its own goroutine. The returned func cancels the
// loop and waits for it to exit.
func (p *Page) subscribe(start func(page *rod.Page) func()) func() {
	ctx, cancel := context.WithCancel(context.Background())
	wait := start(p.page.Context(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p *Page) responseBody(page *rod.Page, id proto.NetworkRequestID) (string, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		return "", err
	}
	if res.Base64Encoded {
		return "", fmt.Errorf("response %s is binary", id)
	}
	return res.Body, nil
}

// handleProxyAuth answers proxy auth challenges for this page only.
func (p *Page) handleProxyAuth(username, password string) error {
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(p.page); err != nil {
		return err
	}
	p.stopAuth = p.subscribe(func(page *rod.Page) func() {
		return page.EachEvent(
			func(ev *proto.FetchRequestPaused) {
				_ = proto.FetchContinueRequest{RequestID: ev.RequestID}.Call(page)
			},
			func(ev *proto.FetchAuthRequired) {
				_ = proto.FetchContinueWithAuth{
					RequestID: ev.RequestID,
					AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
						Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
						Username: username,
						Password: password,
					},
				}.Call(page)
			},
		)
	})
	return nil
}

// Close closes the page and disposes its browser context.
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.stopAuth != nil {
			p.stopAuth()
		}
		err = p.page.Close()
		if disposeErr := (proto.TargetDisposeBrowserContext{BrowserContextID: p.contextID}).Call(p.browser); disposeErr != nil && err == nil {
			err = disposeErr
		}
		if p.manager != nil {
			p.manager.forget(p.meta.ID)
		}
		p.logger.Debug("page closed")
	})
	return err
}

// element implements surface.Element over a rod element.
type element struct {
	page *Page
	el   *rod.Element
}

// controlJS retargets a label or wrapper to the form control it stands for.
const controlJS = `() => {
	const t = this;
	if (t.matches('input, textarea, select, [contenteditable="true"]')) { return t; }
	const label = t.closest('label');
	if (label && label.control) { return label.control; }
	return t.querySelector('input, textarea') || (label && label.querySelector('input, textarea')) || t;
}`

func (e *element) control(ctx context.Context) (*rod.Element, error) {
	el, err := e.el.Context(ctx).ElementByJS(rod.Eval(controlJS))
	if err != nil {
		return nil, e.page.mapErr(ctx, err)
	}
	return el, nil
}

func (e *element) Focus(ctx context.Context) error {
	el, err := e.control(ctx)
	if err != nil {
		return err
	}
	return e.page.mapErr(ctx, el.Focus())
}

func (e *element) Fill(ctx context.Context, value string) error {
	el, err := e.control(ctx)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		e.page.logger.Debug("select text failed", zap.Error(err))
	}
	return e.page.mapErr(ctx, el.Input(value))
}

func (e *element) Activate(ctx context.Context) error {
	return e.page.mapErr(ctx, e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e *element) Query(ctx context.Context, selector string) (surface.Element, bool, error) {
	el := e.el.Context(ctx)

	var found bool
	var child *rod.Element
	var err error
	if surface.IsXPath(selector) {
		found, child, err = el.HasX(selector)
	} else {
		found, child, err = el.Has(selector)
	}
	if err != nil {
		return nil, false, e.page.mapErr(ctx, err)
	}
	if !found {
		return nil, false, nil
	}
	return &element{page: e.page, el: child}, true, nil
}

func (e *element) Wheel(ctx context.Context, dy float64) error {
	shape, err := e.el.Context(ctx).Shape()
	if err != nil {
		return e.page.mapErr(ctx, err)
	}
	box := shape.Box()
	if box == nil {
		return fmt.Errorf("element has no box")
	}
	mouse := e.page.page.Context(ctx).Mouse
	if err := mouse.MoveTo(proto.Point{X: box.X + box.Width/2, Y: box.Y + box.Height/2}); err != nil {
		return e.page.mapErr(ctx, err)
	}
	return e.page.mapErr(ctx, mouse.Scroll(0, dy, 1))
}

func (e *element) ScrollBy(ctx context.Context, dy float64) error {
	_, err := e.el.Context(ctx).Eval(`(dy) => {
		if (typeof this.scrollBy === 'function') { this.scrollBy(0, dy); return true; }
		if (typeof this.scrollTop !== 'undefined') { this.scrollTop += dy; return true; }
		return false;
	}`, dy)
	return e.page.mapErr(ctx, err)
}

func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.String()
	}
	return out
}

func fromProtoCookies(in []*proto.NetworkCookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

func toProtoCookies(in []types.Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(in))
	for _, c := range in {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		// session cookies carry -1 and must not send an expiry
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		out = append(out, param)
	}
	return out
}
