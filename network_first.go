package cacheflow

import (
	"context"
	"net/http"
)

type networkFirst struct{}

// NetworkFirst tries the network, bounded by the configured timeout, and
// falls back to the cache when the fetch fails. Successful responses are
// written back in the background.
func NetworkFirst(cfg Config) (*Strategy, error) {
	return New(networkFirst{}, cfg)
}

func (networkFirst) Name() string { return "network-first" }

func (networkFirst) Respond(ctx context.Context, h *Handler) (*http.Response, error) {
	resp, fetchErr := h.FetchAndCachePut(ctx, h.Request())
	if fetchErr == nil {
		return resp, nil
	}
	cached, err := h.CacheMatch(ctx, h.Request())
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	return nil, &NoResponseError{URL: h.Request().URL.String(), Strategy: "network-first", Err: fetchErr}
}
