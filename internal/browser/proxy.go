package browser

import (
	"fmt"
	"strings"
)

// Proxy is a per-context upstream proxy. Username and Password are optional.
type Proxy struct {
	Server   string
	Username string
	Password string
}

// HasAuth reports whether the proxy needs credentials.
func (p *Proxy) HasAuth() bool {
	return p != nil && p.Username != ""
}

// ParseProxy parses "host:port" or "host:port:user:pass" into an HTTP proxy descriptor.
// An empty string means no proxy and yields (nil, nil).
func ParseProxy(s string) (*Proxy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) >= 2 && (parts[0] == "" || parts[1] == "") {
		return nil, fmt.Errorf("invalid proxy %q: empty host or port", s)
	}

	switch len(parts) {
	case 2:
		return &Proxy{Server: "http://" + parts[0] + ":" + parts[1]}, nil
	case 4:
		return &Proxy{
			Server:   "http://" + parts[0] + ":" + parts[1],
			Username: parts[2],
			Password: parts[3],
		}, nil
	default:
		return nil, fmt.Errorf("invalid proxy %q: want host:port or host:port:user:pass, got %d fields", s, len(parts))
	}
}
