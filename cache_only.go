package cacheflow

import (
	"context"
	"net/http"
)

type cacheOnly struct{}

// CacheOnly serves exclusively from the cache and never reaches the network.
// A miss surfaces as a NoResponseError.
func CacheOnly(cfg Config) (*Strategy, error) {
	return New(cacheOnly{}, cfg)
}

func (cacheOnly) Name() string { return "cache-only" }

func (cacheOnly) Respond(ctx context.Context, h *Handler) (*http.Response, error) {
	return h.CacheMatch(ctx, h.Request())
}
