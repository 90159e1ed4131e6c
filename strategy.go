// Package cacheflow implements pluggable HTTP caching strategies. A strategy
// pairs a policy, which decides in what order a named cache and the network
// are consulted to produce a response, with a per-invocation handler that
// runs lifecycle plugins and tracks extend-lifetime background work such as
// cache writes that finish after the response is returned.
package cacheflow

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/l0p7/cacheflow/store"
)

// DefaultCacheName namespaces entries of strategies that set no CacheName.
const DefaultCacheName = "runtime"

// Doer executes a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config carries the construction options shared by all strategies.
type Config struct {
	// CacheName namespaces this strategy's entries inside the store.
	CacheName string
	// Plugins run in registration order for every callback they provide.
	Plugins []Plugin
	// Store holds cached responses. Strategies that touch the cache fail
	// their cache operations when none is configured.
	Store store.Store
	// Client executes fetches. Defaults to http.DefaultClient.
	Client Doer
	// NetworkTimeout bounds each fetch when positive.
	NetworkTimeout time.Duration
	// CacheTTL is the default lifetime of written entries; zero keeps them
	// until evicted. CacheWillUpdate callbacks can override it per response.
	CacheTTL time.Duration
	// MatchOptions relax cache key derivation.
	MatchOptions store.MatchOptions
}

// Policy produces a response from a handler's primitives. Implementations
// define the consultation order; the engine owns the surrounding lifecycle.
type Policy interface {
	Name() string
	Respond(ctx context.Context, h *Handler) (*http.Response, error)
}

// Strategy runs a policy, managing the per-invocation handler and its
// background tasks.
type Strategy struct {
	policy Policy
	cfg    Config
}

// New builds a strategy around policy. Use it directly for custom policies;
// the shipped variants have their own constructors.
func New(policy Policy, cfg Config) (*Strategy, error) {
	if policy == nil {
		return nil, errors.New("cacheflow: policy required")
	}
	if policy.Name() == "" {
		return nil, errors.New("cacheflow: policy name required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.CacheName == "" {
		cfg.CacheName = DefaultCacheName
	}
	return &Strategy{policy: policy, cfg: cfg}, nil
}

// Policy returns the strategy's policy.
func (s *Strategy) Policy() Policy { return s.policy }

// Handle runs the policy for req and returns its response. Background tasks
// registered during the invocation keep running after return and are joined
// internally before the handler is destroyed.
func (s *Strategy) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, _, err := s.HandleAll(ctx, req)
	return resp, err
}

// HandleAll runs the policy and additionally returns a completion channel.
// The channel closes once every extend-lifetime task has settled and the
// HandlerDidComplete callbacks have run, or promptly after the handler is
// destroyed. It never carries an error; background failures surface through
// HandlerDidComplete.
func (s *Strategy) HandleAll(ctx context.Context, req *http.Request) (*http.Response, <-chan struct{}, error) {
	h := newHandler(s, req)
	resp, err := s.respond(ctx, h)
	done := s.complete(ctx, h, resp)
	return resp, done, err
}

func (s *Strategy) respond(ctx context.Context, h *Handler) (*http.Response, error) {
	req := h.req
	for i, p := range s.cfg.Plugins {
		if p.HandlerWillStart == nil {
			continue
		}
		if err := p.HandlerWillStart(ctx, &HandlerWillStartArgs{Request: req, State: h.stateFor(i)}); err != nil {
			return nil, &PluginError{Plugin: p.Name, Callback: "HandlerWillStart", Err: err}
		}
	}

	resp, err := s.policy.Respond(ctx, h)
	if err == nil && resp == nil {
		err = &NoResponseError{URL: req.URL.String(), Strategy: s.policy.Name()}
	}
	if err != nil {
		for i, p := range s.cfg.Plugins {
			if p.HandlerDidError == nil {
				continue
			}
			fallback, cbErr := p.HandlerDidError(ctx, &HandlerDidErrorArgs{Request: req, Err: err, State: h.stateFor(i)})
			if cbErr != nil {
				return nil, &PluginError{Plugin: p.Name, Callback: "HandlerDidError", Err: cbErr}
			}
			if fallback != nil {
				resp, err = fallback, nil
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	for i, p := range s.cfg.Plugins {
		if p.HandlerWillRespond == nil {
			continue
		}
		next, cbErr := p.HandlerWillRespond(ctx, &HandlerWillRespondArgs{Request: req, Response: resp, State: h.stateFor(i)})
		if cbErr != nil {
			return nil, &PluginError{Plugin: p.Name, Callback: "HandlerWillRespond", Err: cbErr}
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// complete drains the handler in the background: it observes the response,
// joins the extend-lifetime tasks, reports completion, and destroys the
// handler.
func (s *Strategy) complete(ctx context.Context, h *Handler, resp *http.Response) <-chan struct{} {
	done := make(chan struct{})
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		var err error
		for i, p := range s.cfg.Plugins {
			if p.HandlerDidRespond == nil {
				continue
			}
			if cbErr := p.HandlerDidRespond(bg, &HandlerDidRespondArgs{Request: h.req, Response: resp, State: h.stateFor(i)}); cbErr != nil {
				err = &PluginError{Plugin: p.Name, Callback: "HandlerDidRespond", Err: cbErr}
				break
			}
		}
		if err == nil {
			err = h.DoneWaiting(bg)
		}
		for i, p := range s.cfg.Plugins {
			if p.HandlerDidComplete == nil {
				continue
			}
			args := &HandlerDidCompleteArgs{Request: h.req, Response: resp, Err: err, State: h.stateFor(i)}
			if cbErr := p.HandlerDidComplete(bg, args); cbErr != nil {
				break
			}
		}
		h.Destroy()
	}()
	return done
}
