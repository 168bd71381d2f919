// Package surface defines the browser control surface consumed by the sign-in, capture and
// messaging flows. internal/browser implements it on top of rod; tests use in-memory fakes.
//
// Selectors that start with "/" or "(" are XPath expressions; all others are CSS selectors.
package surface

import (
	"context"
	"errors"
	"strings"
	"time"

	"dmharvest/internal/types"
)

var (
	// ErrTimeout is returned when a bounded wait elapses without the awaited state.
	ErrTimeout = errors.New("surface: wait timed out")
	// ErrSessionClosed is returned once the underlying page or browser is no longer usable.
	ErrSessionClosed = errors.New("surface: session closed")
	// ErrNavigation is returned when a target URL could not be loaded.
	ErrNavigation = errors.New("surface: navigation failed")
)

// Request is the metadata of an outbound request as seen by a request hook.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
}

// Response is an inbound response as seen by a response hook. Body reads the full
// response text and may fail if the browser already evicted it.
type Response struct {
	URL    string
	Status int
	Body   func() (string, error)
}

// Page is one automated browser page inside an isolated browser context.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)

	// WaitVisible waits up to timeout for selector to match a visible element.
	// It returns ErrTimeout when nothing became visible in time.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// Query returns the first match without waiting.
	Query(ctx context.Context, selector string) (Element, bool, error)
	// QueryAll returns every current match without waiting.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// WaitSettled waits for the document load and network quiescence, bounded by timeout.
	WaitSettled(ctx context.Context, timeout time.Duration) error

	// Evaluate runs a JS function expression with args and returns its JSON result.
	Evaluate(ctx context.Context, script string, args ...any) ([]byte, error)
	ScrollWindow(ctx context.Context, dy float64) error

	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error

	// OnRequest and OnResponse register network hooks. The returned func deregisters the
	// hook and returns only after no further handler invocation can happen.
	OnRequest(handler func(Request)) (off func())
	OnResponse(handler func(Response)) (off func())

	Close() error
}

// Element is a handle to a DOM element on a Page.
type Element interface {
	Focus(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Activate(ctx context.Context) error
	Query(ctx context.Context, selector string) (Element, bool, error)
	// Wheel moves the pointer to the element centre and scrolls by dy.
	Wheel(ctx context.Context, dy float64) error
	// ScrollBy scrolls the element's own scroll container by dy.
	ScrollBy(ctx context.Context, dy float64) error
}

// IsXPath reports whether selector is an XPath expression.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(")
}

// TextXPath returns an XPath matching any element whose text contains text.
func TextXPath(text string) string {
	return "//*[contains(text(), '" + text + "')]"
}

// IsAbsent reports whether err only means "the awaited element did not show up".
func IsAbsent(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err means the session can no longer be driven.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
