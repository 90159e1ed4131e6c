package cacheflow

import (
	"context"
	"net/http"
)

type cacheNetworkRace struct{}

// CacheNetworkRace consults the cache and the network concurrently and
// returns whichever produces a response first. The network result is written
// back in the background even when the cache wins.
func CacheNetworkRace(cfg Config) (*Strategy, error) {
	return New(cacheNetworkRace{}, cfg)
}

func (cacheNetworkRace) Name() string { return "race" }

func (cacheNetworkRace) Respond(ctx context.Context, h *Handler) (*http.Response, error) {
	type sourceResult struct {
		resp *http.Response
		err  error
	}
	results := make(chan sourceResult, 2)
	h.WaitUntil(ctx, func(taskCtx context.Context) error {
		resp, err := h.FetchAndCachePut(taskCtx, h.Request())
		results <- sourceResult{resp: resp, err: err}
		return err
	})
	go func() {
		resp, err := h.CacheMatch(ctx, h.Request())
		results <- sourceResult{resp: resp, err: err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		select {
		case result := <-results:
			if result.err == nil && result.resp != nil {
				return result.resp, nil
			}
			if result.err != nil && firstErr == nil {
				firstErr = result.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &NoResponseError{URL: h.Request().URL.String(), Strategy: "race", Err: firstErr}
}
