package cacheflow

import (
	"context"
	"net/http"
)

type networkOnly struct{}

// NetworkOnly always fetches and never touches the cache.
func NetworkOnly(cfg Config) (*Strategy, error) {
	return New(networkOnly{}, cfg)
}

func (networkOnly) Name() string { return "network-only" }

func (networkOnly) Respond(ctx context.Context, h *Handler) (*http.Response, error) {
	return h.Fetch(ctx, h.Request())
}
