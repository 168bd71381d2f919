package browser

import (
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"dmharvest/internal/surface"
)

// network fans one CDP event loop out to every request and response handler of a page.
// A single loop keeps requestWillBeSent ahead of the loadingFinished that completes it.
type network struct {
	// start runs the event loop for generation gen and returns its stop func.
	start func(gen int) func()

	mu        sync.Mutex
	gen       int
	next      int
	requests  map[int]func(surface.Request)
	responses map[int]func(surface.Response)
	stop      func()
}

func newNetwork(start func(gen int) func()) *network {
	return &network{
		start:     start,
		requests:  make(map[int]func(surface.Request)),
		responses: make(map[int]func(surface.Response)),
	}
}

// add registers handlers and starts the loop if it is not running. The returned func
// removes them; once it returns they are never called again, and the loop has stopped
// if no handler is left.
func (n *network) add(req func(surface.Request), resp func(surface.Response)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	if req != nil {
		n.requests[id] = req
	}
	if resp != nil {
		n.responses[id] = resp
	}
	if n.stop == nil {
		n.gen++
		n.stop = n.start(n.gen)
	}
	n.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { n.remove(id) }) }
}

func (n *network) remove(id int) {
	n.mu.Lock()
	delete(n.requests, id)
	delete(n.responses, id)
	var stop func()
	if len(n.requests) == 0 && len(n.responses) == 0 {
		stop, n.stop = n.stop, nil
		// events still queued in the old loop are dropped
		n.gen++
	}
	n.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (n *network) request(gen int, req surface.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen {
		return
	}
	for _, h := range n.requests {
		h(req)
	}
}

func (n *network) response(gen int, resp surface.Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen {
		return
	}
	for _, h := range n.responses {
		h(resp)
	}
}

// events is the rod loop behind a network. Responses are delivered once their body has
// finished loading and read lazily through Network.getResponseBody.
func (p *Page) events(gen int) func() {
	return p.subscribe(func(page *rod.Page) func() {
		pending := make(map[proto.NetworkRequestID]*proto.NetworkResponse)
		return page.EachEvent(
			func(ev *proto.NetworkRequestWillBeSent) {
				if ev.Request == nil {
					return
				}
				p.net.request(gen, surface.Request{
					URL:     ev.Request.URL,
					Method:  ev.Request.Method,
					Headers: flattenHeaders(ev.Request.Headers),
				})
			},
			func(ev *proto.NetworkResponseReceived) {
				if ev.Response != nil {
					pending[ev.RequestID] = ev.Response
				}
			},
			func(ev *proto.NetworkLoadingFinished) {
				resp, ok := pending[ev.RequestID]
				if !ok {
					return
				}
				delete(pending, ev.RequestID)
				id := ev.RequestID
				p.net.response(gen, surface.Response{
					URL:    resp.URL,
					Status: resp.Status,
					Body:   func() (string, error) { return p.responseBody(page, id) },
				})
			},
			func(ev *proto.NetworkLoadingFailed) {
				delete(pending, ev.RequestID)
			},
		)
	})
}
