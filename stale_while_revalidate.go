package cacheflow

import (
	"context"
	"net/http"
)

type staleWhileRevalidate struct{}

// StaleWhileRevalidate answers from the cache immediately while a background
// fetch refreshes the entry. On a miss the invocation waits for that fetch.
// Revalidation failures surface through HandlerDidComplete, never through the
// returned response.
func StaleWhileRevalidate(cfg Config) (*Strategy, error) {
	return New(staleWhileRevalidate{}, cfg)
}

func (staleWhileRevalidate) Name() string { return "stale-while-revalidate" }

func (staleWhileRevalidate) Respond(ctx context.Context, h *Handler) (*http.Response, error) {
	type fetchResult struct {
		resp *http.Response
		err  error
	}
	// The revalidation starts before the cache lookup so a miss can adopt it.
	results := make(chan fetchResult, 1)
	h.WaitUntil(ctx, func(taskCtx context.Context) error {
		resp, err := h.FetchAndCachePut(taskCtx, h.Request())
		results <- fetchResult{resp: resp, err: err}
		return err
	})

	cached, err := h.CacheMatch(ctx, h.Request())
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	select {
	case result := <-results:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
