package dispatcher

import (
	"net/http"
	"net/url"
	"strings"
)

// Category decides which strategy serves a request.
type Category int

const (
	// CategoryCrossOrigin requests go to the network untouched.
	CategoryCrossOrigin Category = iota
	// CategoryAPI requests are network-first.
	CategoryAPI
	// CategoryNavigation requests are cache-first with an app shell fallback.
	CategoryNavigation
	// CategoryAsset requests are cache-first.
	CategoryAsset
)

func (c Category) String() string {
	switch c {
	case CategoryCrossOrigin:
		return "cross-origin"
	case CategoryAPI:
		return "api"
	case CategoryNavigation:
		return "navigation"
	case CategoryAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// Classify applies the rules in order: foreign origins first, then the API
// prefix, then page navigations. Anything left is a static asset.
func (d *Dispatcher) Classify(req *http.Request) Category {
	if !d.sameOrigin(req.URL) {
		return CategoryCrossOrigin
	}
	if strings.HasPrefix(req.URL.Path, d.cfg.APIPrefix) {
		return CategoryAPI
	}
	if isNavigation(req) {
		return CategoryNavigation
	}
	return CategoryAsset
}

func (d *Dispatcher) sameOrigin(u *url.URL) bool {
	if u.Host == "" || d.isOrigin(u) {
		return true
	}
	href := u.String()
	for _, dev := range d.cfg.DevOrigins {
		if matchesOriginPrefix(href, dev) {
			return true
		}
	}
	return false
}

// isOrigin reports whether u has exactly the configured origin's scheme and host.
func (d *Dispatcher) isOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, d.origin.Scheme) && strings.EqualFold(u.Host, d.origin.Host)
}

// matchesOriginPrefix reports whether href starts with prefix at an origin
// boundary, so "http://localhost" matches "http://localhost:5000/x" but not
// "http://localhost.example.com".
func matchesOriginPrefix(href, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" || len(href) < len(prefix) || !strings.EqualFold(href[:len(prefix)], prefix) {
		return false
	}
	if len(href) == len(prefix) {
		return true
	}
	switch href[len(prefix)] {
	case ':', '/', '?', '#':
		return true
	}
	return false
}

func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if !cacheable(req) {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
