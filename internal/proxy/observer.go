package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/l0p7/cacheflow"
	"github.com/l0p7/cacheflow/internal/metrics"
)

// Response source markings surfaced to clients and to the metrics pipeline.
const (
	cacheSourceHeader = "X-Cache"
	sourceHit         = "HIT"
	sourceMiss        = "MISS"
	sourceFallback    = "FALLBACK"
)

// State keys the observer threads between its callbacks.
const (
	stateCachedResponse = "observer.cachedResponse"
	stateFetchStart     = "observer.fetchStart"
)

// observerPlugin wires one route's strategy lifecycle into the metrics
// recorder: it times upstream fetches, stamps responses with their source,
// and reports how each invocation's background work settled.
func observerPlugin(route string, rec *metrics.Recorder, logger *slog.Logger) cacheflow.Plugin {
	return cacheflow.Plugin{
		Name: "observer",
		CachedResponseWillBeUsed: func(_ context.Context, args *cacheflow.CachedResponseArgs) (*http.Response, error) {
			if args.CachedResponse != nil {
				args.State.Set(stateCachedResponse, args.CachedResponse)
			}
			return args.CachedResponse, nil
		},
		RequestWillFetch: func(_ context.Context, args *cacheflow.RequestWillFetchArgs) (*http.Request, error) {
			args.State.Set(stateFetchStart, time.Now())
			return args.Request, nil
		},
		FetchDidSucceed: func(_ context.Context, args *cacheflow.FetchDidSucceedArgs) (*http.Response, error) {
			rec.ObserveFetch(route, metrics.FetchOK, fetchElapsed(args.State))
			return args.Response, nil
		},
		FetchDidFail: func(_ context.Context, args *cacheflow.FetchDidFailArgs) error {
			outcome := metrics.FetchError
			if isTimeout(args.Err) {
				outcome = metrics.FetchTimeout
			}
			rec.ObserveFetch(route, outcome, fetchElapsed(args.State))
			return nil
		},
		HandlerWillRespond: func(_ context.Context, args *cacheflow.HandlerWillRespondArgs) (*http.Response, error) {
			resp := args.Response
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			if resp.Header.Get(cacheSourceHeader) != "" {
				return resp, nil
			}
			// The cached response recorded during the read chain identifies a
			// hit by pointer; anything else came from the network.
			if cached, ok := args.State.Get(stateCachedResponse); ok && cached == resp {
				resp.Header.Set(cacheSourceHeader, sourceHit)
			} else {
				resp.Header.Set(cacheSourceHeader, sourceMiss)
			}
			return resp, nil
		},
		HandlerDidComplete: func(_ context.Context, args *cacheflow.HandlerDidCompleteArgs) error {
			rec.ObserveBackground(route, args.Err)
			if args.Err != nil {
				logger.Warn("background task failed", slog.Any("error", args.Err))
			}
			return nil
		},
	}
}

func fetchElapsed(state *cacheflow.State) time.Duration {
	if v, ok := state.Get(stateFetchStart); ok {
		if start, ok := v.(time.Time); ok {
			return time.Since(start)
		}
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
