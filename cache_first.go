package cacheflow

import (
	"context"
	"net/http"
)

type cacheFirst struct{}

// CacheFirst serves from the cache when it can and falls back to the network,
// writing the fetched response back in the background.
func CacheFirst(cfg Config) (*Strategy, error) {
	return New(cacheFirst{}, cfg)
}

func (cacheFirst) Name() string { return "cache-first" }

func (cacheFirst) Respond(ctx context.Context, h *Handler) (*http.Response, error) {
	resp, err := h.CacheMatch(ctx, h.Request())
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	return h.FetchAndCachePut(ctx, h.Request())
}
