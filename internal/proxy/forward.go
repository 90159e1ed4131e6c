package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/cacheflow"
	"github.com/l0p7/cacheflow/internal/config"
)

// categoryPolicy applies one allow/strip/custom pass to a category of request
// fields. Header names fold case; query parameter names match exactly.
type categoryPolicy struct {
	canon  func(string) string
	allow  map[string]struct{}
	strip  map[string]struct{}
	custom map[string]string
}

func newCategoryPolicy(cfg config.ForwardCategoryConfig, canon func(string) string) categoryPolicy {
	p := categoryPolicy{canon: canon}
	if len(cfg.Allow) > 0 {
		p.allow = make(map[string]struct{}, len(cfg.Allow))
		for _, name := range cfg.Allow {
			p.allow[canon(name)] = struct{}{}
		}
	}
	if len(cfg.Strip) > 0 {
		p.strip = make(map[string]struct{}, len(cfg.Strip))
		for _, name := range cfg.Strip {
			p.strip[canon(name)] = struct{}{}
		}
	}
	if len(cfg.Custom) > 0 {
		p.custom = make(map[string]string, len(cfg.Custom))
		for name, value := range cfg.Custom {
			p.custom[name] = value
		}
	}
	return p
}

// keeps reports whether a field survives the allow and strip passes. An empty
// allow list admits everything; strip always wins.
func (p categoryPolicy) keeps(name string) bool {
	key := p.canon(name)
	if _, stripped := p.strip[key]; stripped {
		return false
	}
	if p.allow == nil {
		return true
	}
	_, ok := p.allow[key]
	return ok
}

func (p categoryPolicy) empty() bool {
	return p.allow == nil && len(p.strip) == 0 && len(p.custom) == 0
}

// forwardPlugin applies a route's forward policy to the upstream request:
// headers and query parameters pass through the allow and strip filters, then
// the configured custom values are pinned. The rewrite happens on a clone so
// cache keys keep seeing the request as the client sent it.
func forwardPlugin(cfg config.ForwardPolicyConfig) (cacheflow.Plugin, bool) {
	headers := newCategoryPolicy(cfg.Headers, strings.ToLower)
	query := newCategoryPolicy(cfg.Query, func(s string) string { return s })
	if headers.empty() && query.empty() {
		return cacheflow.Plugin{}, false
	}
	return cacheflow.Plugin{
		Name: "forward-policy",
		RequestWillFetch: func(_ context.Context, args *cacheflow.RequestWillFetchArgs) (*http.Request, error) {
			req := args.Request.Clone(args.Request.Context())
			shapeHeaders(req.Header, headers)
			shapeQuery(req.URL, query)
			return req, nil
		},
	}, true
}

func shapeHeaders(h http.Header, policy categoryPolicy) {
	if policy.empty() {
		return
	}
	for name := range h {
		if !policy.keeps(name) {
			h.Del(name)
		}
	}
	for name, value := range policy.custom {
		h.Set(name, value)
	}
}

func shapeQuery(u *url.URL, policy categoryPolicy) {
	if policy.empty() || u == nil {
		return
	}
	values := u.Query()
	for name := range values {
		if !policy.keeps(name) {
			values.Del(name)
		}
	}
	for name, value := range policy.custom {
		values.Set(name, value)
	}
	u.RawQuery = values.Encode()
}
