package cacheflow

import (
	"context"
	"errors"
	"net/http"

	"github.com/l0p7/cacheflow/store"
)

var errNoStore = errors.New("cacheflow: no store configured")

// cacheKey runs the CacheKeyWillBeUsed chain and derives the full store key:
// the cache name joined with the canonical request key.
func (h *Handler) cacheKey(ctx context.Context, req *http.Request, mode KeyMode) (string, *http.Request, error) {
	for i, p := range h.cfg.Plugins {
		if p.CacheKeyWillBeUsed == nil {
			continue
		}
		next, err := p.CacheKeyWillBeUsed(ctx, &CacheKeyArgs{Request: req, Mode: mode, State: h.stateFor(i)})
		if err != nil {
			return "", nil, &PluginError{Plugin: p.Name, Callback: "CacheKeyWillBeUsed", Err: err}
		}
		if next != nil {
			req = next
		}
	}
	return h.cfg.CacheName + ":" + store.Key(req, h.cfg.MatchOptions), req, nil
}

// CacheMatch looks the request up in the strategy's cache, running the
// CacheKeyWillBeUsed and CachedResponseWillBeUsed chains. A nil response with
// a nil error is a miss.
func (h *Handler) CacheMatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if h.cfg.Store == nil {
		return nil, &CacheError{Cache: h.cfg.CacheName, Op: "match", Err: errNoStore}
	}
	key, keyReq, err := h.cacheKey(ctx, req, KeyRead)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	entry, ok, err := h.cfg.Store.Match(ctx, key)
	if err != nil {
		return nil, &CacheError{Cache: h.cfg.CacheName, Op: "match", Key: key, Err: err}
	}
	if ok {
		resp = entry.Response()
	}

	for i, p := range h.cfg.Plugins {
		if p.CachedResponseWillBeUsed == nil {
			continue
		}
		args := &CachedResponseArgs{
			CacheName:      h.cfg.CacheName,
			Request:        keyReq,
			MatchOptions:   h.cfg.MatchOptions,
			CachedResponse: resp,
			State:          h.stateFor(i),
		}
		next, err := p.CachedResponseWillBeUsed(ctx, args)
		if err != nil {
			return nil, &PluginError{Plugin: p.Name, Callback: "CachedResponseWillBeUsed", Err: err}
		}
		resp = next
	}
	return resp, nil
}

// CachePut writes resp to the strategy's cache under the request's key,
// running the CacheWillUpdate chain first and the CacheDidUpdate chain after.
// It reports whether the write happened: a veto or a failed default
// cacheability check returns (false, nil). The caller's response stays
// readable; the body is buffered once into the stored entry.
func (h *Handler) CachePut(ctx context.Context, req *http.Request, resp *http.Response) (bool, error) {
	if resp == nil {
		return false, errors.New("cacheflow: cache put requires a response")
	}
	if h.cfg.Store == nil {
		return false, &CacheError{Cache: h.cfg.CacheName, Op: "put", Err: errNoStore}
	}
	key, keyReq, err := h.cacheKey(ctx, req, KeyWrite)
	if err != nil {
		return false, err
	}

	candidate := resp
	ttl := h.cfg.CacheTTL
	approved := false
	for i, p := range h.cfg.Plugins {
		if p.CacheWillUpdate == nil {
			continue
		}
		approved = true
		args := &CacheWillUpdateArgs{Request: keyReq, Response: candidate, TTL: ttl, State: h.stateFor(i)}
		next, err := p.CacheWillUpdate(ctx, args)
		if err != nil {
			return false, &PluginError{Plugin: p.Name, Callback: "CacheWillUpdate", Err: err}
		}
		ttl = args.TTL
		if next == nil {
			return false, nil
		}
		candidate = next
	}
	// Without a CacheWillUpdate plugin only ok responses are cacheable.
	if !approved && (candidate.StatusCode < 200 || candidate.StatusCode >= 300) {
		return false, nil
	}

	var old *http.Response
	if h.hasCacheDidUpdate() {
		prev, ok, err := h.cfg.Store.Match(ctx, key)
		if err != nil {
			return false, &CacheError{Cache: h.cfg.CacheName, Op: "match", Key: key, Err: err}
		}
		if ok {
			old = prev.Response()
		}
	}

	entry, err := store.NewEntry(candidate, ttl)
	if err != nil {
		return false, err
	}
	if entry.URL == "" && keyReq.URL != nil {
		entry.URL = keyReq.URL.String()
	}
	if err := h.cfg.Store.Put(ctx, key, entry); err != nil {
		return false, &CacheError{Cache: h.cfg.CacheName, Op: "put", Key: key, Err: err}
	}

	for i, p := range h.cfg.Plugins {
		if p.CacheDidUpdate == nil {
			continue
		}
		args := &CacheDidUpdateArgs{
			CacheName:   h.cfg.CacheName,
			Request:     keyReq,
			OldResponse: old,
			NewResponse: candidate,
			State:       h.stateFor(i),
		}
		if cbErr := p.CacheDidUpdate(ctx, args); cbErr != nil {
			return true, &PluginError{Plugin: p.Name, Callback: "CacheDidUpdate", Err: cbErr}
		}
	}
	return true, nil
}

func (h *Handler) hasCacheDidUpdate() bool {
	for _, p := range h.cfg.Plugins {
		if p.CacheDidUpdate != nil {
			return true
		}
	}
	return false
}
