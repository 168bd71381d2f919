// Package surfacetest provides a scriptable in-memory surface.Page for tests.
package surfacetest

import (
	"context"
	"sync"
	"time"

	"dmharvest/internal/surface"
	"dmharvest/internal/types"
)

// Action is one element interaction recorded by the fake.
type Action struct {
	Kind     string // focus, fill, activate, wheel, scroll
	Selector string
	Value    string
	Index    int
}

// Page is a fake surface.Page. Visibility is driven by Show/Hide; element interactions are
// recorded in order and may mutate the page through the On* callbacks.
type Page struct {
	mu sync.Mutex

	url     string
	visible map[string]bool
	counts  map[string]int
	cookies []types.Cookie
	closed  bool

	actions []Action
	probes  []string
	navs    []string

	nextID    int
	requests  map[int]func(surface.Request)
	responses map[int]func(surface.Response)

	// NavigateFunc replaces default navigation (which just sets the URL).
	NavigateFunc func(url string) error
	// EvalFunc answers Evaluate; the default returns JSON null.
	EvalFunc func(script string, args []any) ([]byte, error)
	// OnFill, OnActivate and OnWheel run after the interaction is recorded, without the lock.
	OnFill     func(p *Page, selector, value string)
	OnActivate func(p *Page, selector string)
	OnWheel    func(p *Page, selector string)
}

// NewPage returns an empty fake page at about:blank.
func NewPage() *Page {
	return &Page{
		url:       "about:blank",
		visible:   make(map[string]bool),
		counts:    make(map[string]int),
		requests:  make(map[int]func(surface.Request)),
		responses: make(map[int]func(surface.Response)),
	}
}

// Show makes selector visible.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.visible[s] = true
	}
}

// Hide makes selector invisible.
func (p *Page) Hide(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.visible, s)
	}
}

// SetCount sets how many elements QueryAll(selector) returns.
func (p *Page) SetCount(selector string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[selector] = n
}

// SetURL sets the current URL without navigating.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Actions returns a copy of the recorded interactions.
func (p *Page) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}

// Probes returns every selector passed to WaitVisible, in order.
func (p *Page) Probes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probes...)
}

// Navigations returns every URL passed to Navigate, in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navs...)
}

// HookCount returns the number of registered request and response hooks.
func (p *Page) HookCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests) + len(p.responses)
}

// EmitRequest delivers req to every registered request hook.
func (p *Page) EmitRequest(req surface.Request) {
	p.mu.Lock()
	handlers := make([]func(surface.Request), 0, len(p.requests))
	for i := 0; i < p.nextID; i++ {
		if h, ok := p.requests[i]; ok {
			handlers = append(handlers, h)
		}
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(req)
	}
}

// EmitResponse delivers resp to every registered response hook.
func (p *Page) EmitResponse(resp surface.Response) {
	p.mu.Lock()
	handlers := make([]func(surface.Response), 0, len(p.responses))
	for i := 0; i < p.nextID; i++ {
		if h, ok := p.responses[i]; ok {
			handlers = append(handlers, h)
		}
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(resp)
	}
}

// Exchange emits a request followed by a response carrying body.
func (p *Page) Exchange(url string, status int, body string) {
	p.EmitRequest(surface.Request{URL: url, Method: "GET", Headers: map[string]string{}})
	p.EmitResponse(surface.Response{URL: url, Status: status, Body: func() (string, error) { return body, nil }})
}

// Kill makes every subsequent call fail with surface.ErrSessionClosed.
func (p *Page) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return surface.ErrSessionClosed
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.navs = append(p.navs, url)
	fn := p.NavigateFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	p.SetURL(url)
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, _ time.Duration) (surface.Element, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, selector)
	if !p.visible[selector] {
		return nil, surface.ErrTimeout
	}
	return &Element{page: p, selector: selector}, nil
}

func (p *Page) Query(ctx context.Context, selector string) (surface.Element, bool, error) {
	if err := p.check(ctx); err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible[selector] {
		return nil, false, nil
	}
	return &Element{page: p, selector: selector}, true, nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]surface.Element, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.counts[selector]
	out := make([]surface.Element, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &Element{page: p, selector: selector, index: i})
	}
	return out, nil
}

func (p *Page) WaitSettled(ctx context.Context, _ time.Duration) error {
	return p.check(ctx)
}

func (p *Page) Evaluate(ctx context.Context, script string, args ...any) ([]byte, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	fn := p.EvalFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(script, args)
	}
	return []byte("null"), nil
}

func (p *Page) ScrollWindow(ctx context.Context, dy float64) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.record(Action{Kind: "window_scroll"})
	return nil
}

func (p *Page) Cookies(ctx context.Context) ([]types.Cookie, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) OnRequest(handler func(surface.Request)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.requests[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.requests, id)
	}
}

func (p *Page) OnResponse(handler func(surface.Response)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.responses[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.responses, id)
	}
}

func (p *Page) Close() error {
	p.Kill()
	return nil
}

func (p *Page) record(a Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, a)
}

// Element is a fake surface.Element bound to a selector (and index for QueryAll matches).
type Element struct {
	page     *Page
	selector string
	index    int
}

// Selector returns the selector this element was found with.
func (e *Element) Selector() string { return e.selector }

// Index returns the element's position in a QueryAll result.
func (e *Element) Index() int { return e.index }

func (e *Element) Focus(ctx context.Context) error {
	if err := e.page.check(ctx); err != nil {
		return err
	}
	e.page.record(Action{Kind: "focus", Selector: e.selector})
	return nil
}

func (e *Element) Fill(ctx context.Context, value string) error {
	if err := e.page.check(ctx); err != nil {
		return err
	}
	e.page.record(Action{Kind: "fill", Selector: e.selector, Value: value})
	if fn := e.page.OnFill; fn != nil {
		fn(e.page, e.selector, value)
	}
	return nil
}

func (e *Element) Activate(ctx context.Context) error {
	if err := e.page.check(ctx); err != nil {
		return err
	}
	e.page.record(Action{Kind: "activate", Selector: e.selector, Index: e.index})
	if fn := e.page.OnActivate; fn != nil {
		fn(e.page, e.selector)
	}
	return nil
}

func (e *Element) Query(ctx context.Context, selector string) (surface.Element, bool, error) {
	return e.page.Query(ctx, selector)
}

func (e *Element) Wheel(ctx context.Context, dy float64) error {
	if err := e.page.check(ctx); err != nil {
		return err
	}
	e.page.record(Action{Kind: "wheel", Selector: e.selector})
	if fn := e.page.OnWheel; fn != nil {
		fn(e.page, e.selector)
	}
	return nil
}

func (e *Element) ScrollBy(ctx context.Context, dy float64) error {
	if err := e.page.check(ctx); err != nil {
		return err
	}
	e.page.record(Action{Kind: "scroll", Selector: e.selector})
	return nil
}
