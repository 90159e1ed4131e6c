package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/cacheflow"
	"github.com/l0p7/cacheflow/internal/metrics"
	"github.com/l0p7/cacheflow/store"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func TestIsTimeout(t *testing.T) {
	require.True(t, isTimeout(context.DeadlineExceeded))
	require.True(t, isTimeout(fmt.Errorf("origin: %w", context.DeadlineExceeded)))
	require.True(t, isTimeout(timeoutErr{}))
	require.False(t, isTimeout(errors.New("connection refused")))
	require.False(t, isTimeout(context.Canceled))
}

func TestObserverRecordsBackgroundCompletion(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	client := &stubDoer{do: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "fresh", req), nil
	}}
	strategy, err := cacheflow.NetworkFirst(cacheflow.Config{
		CacheName: "obs",
		Plugins:   []cacheflow.Plugin{observerPlugin("obs", rec, discardLogger())},
		Store:     store.NewMemory(),
		Client:    client,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://origin.example/a", http.NoBody)
	resp, done, err := strategy.HandleAll(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	<-done

	require.Equal(t, 1.0, counterValue(t, rec, "cacheflow_proxy_background_completions_total", map[string]string{
		"route": "obs", "result": "ok",
	}))
	require.Equal(t, 1.0, counterValue(t, rec, "cacheflow_upstream_fetches_total", map[string]string{
		"route": "obs", "result": "ok",
	}))
}
