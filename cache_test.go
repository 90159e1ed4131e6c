package cacheflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/cacheflow/store"
)

type failingStore struct{ err error }

func (f failingStore) Match(context.Context, string) (store.Entry, bool, error) {
	return store.Entry{}, false, f.err
}
func (f failingStore) Put(context.Context, string, store.Entry) error { return f.err }
func (f failingStore) Delete(context.Context, string) error           { return f.err }
func (f failingStore) Len(context.Context) (int64, error)             { return 0, f.err }
func (f failingStore) Close(context.Context) error                    { return nil }

func TestCacheMatchMissAndHit(t *testing.T) {
	st := store.NewMemory()
	h := newTestHandler(t, Config{Store: st, CacheName: "pages"})
	ctx := context.Background()

	resp, err := h.CacheMatch(ctx, h.Request())
	require.NoError(t, err)
	require.Nil(t, resp, "expected a miss before anything is stored")

	entry := store.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte("cached"),
	}
	require.NoError(t, st.Put(ctx, "pages:GET https://origin.example/resource", entry))

	resp, err = h.CacheMatch(ctx, h.Request())
	require.NoError(t, err)
	require.NotNil(t, resp)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "cached", string(body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestCacheKeyWillBeUsedRewritesKey(t *testing.T) {
	st := store.NewMemory()
	var mode KeyMode
	plugins := []Plugin{{
		Name: "normalize",
		CacheKeyWillBeUsed: func(_ context.Context, args *CacheKeyArgs) (*http.Request, error) {
			mode = args.Mode
			next := args.Request.Clone(args.Request.Context())
			next.URL.RawQuery = ""
			return next, nil
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: plugins})
	ctx := context.Background()

	entry := store.Entry{Status: http.StatusOK, Body: []byte("normalized")}
	require.NoError(t, st.Put(ctx, "pages:GET https://origin.example/resource", entry))

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/resource?session=abc", nil)
	resp, err := h.CacheMatch(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp, "rewritten key should hit the normalized entry")
	require.Equal(t, KeyRead, mode)
}

func TestCachedResponseWillBeUsedSuppressesAndSynthesizes(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	entry := store.Entry{Status: http.StatusOK, Body: []byte("cached")}
	require.NoError(t, st.Put(ctx, "pages:GET https://origin.example/resource", entry))

	suppress := []Plugin{{
		Name: "suppress",
		CachedResponseWillBeUsed: func(_ context.Context, args *CachedResponseArgs) (*http.Response, error) {
			require.Equal(t, "pages", args.CacheName)
			require.NotNil(t, args.CachedResponse)
			return nil, nil
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: suppress})
	resp, err := h.CacheMatch(ctx, h.Request())
	require.NoError(t, err)
	require.Nil(t, resp, "suppressing plugin should turn the hit into a miss")

	synthesize := []Plugin{{
		Name: "synthesize",
		CachedResponseWillBeUsed: func(_ context.Context, args *CachedResponseArgs) (*http.Response, error) {
			if args.CachedResponse != nil {
				return args.CachedResponse, nil
			}
			return textResponse(http.StatusOK, "synthesized"), nil
		},
	}}
	h = newTestHandler(t, Config{Store: store.NewMemory(), CacheName: "pages", Plugins: synthesize})
	resp, err = h.CacheMatch(ctx, h.Request())
	require.NoError(t, err)
	require.NotNil(t, resp)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "synthesized", string(body))
}

func TestCachePutDefaultCacheability(t *testing.T) {
	tests := []struct {
		name   string
		status int
		stored bool
	}{
		{name: "200 stored", status: http.StatusOK, stored: true},
		{name: "204 stored", status: http.StatusNoContent, stored: true},
		{name: "404 skipped", status: http.StatusNotFound, stored: false},
		{name: "500 skipped", status: http.StatusInternalServerError, stored: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemory()
			h := newTestHandler(t, Config{Store: st, CacheName: "pages"})
			ctx := context.Background()

			stored, err := h.CachePut(ctx, h.Request(), textResponse(tc.status, "body"))
			require.NoError(t, err)
			require.Equal(t, tc.stored, stored)

			size, err := st.Len(ctx)
			require.NoError(t, err)
			if tc.stored {
				require.Equal(t, int64(1), size)
			} else {
				require.Zero(t, size)
			}
		})
	}
}

func TestCacheWillUpdateVetoSkipsWrite(t *testing.T) {
	st := store.NewMemory()
	plugins := []Plugin{{
		Name: "veto",
		CacheWillUpdate: func(context.Context, *CacheWillUpdateArgs) (*http.Response, error) {
			return nil, nil
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: plugins})
	ctx := context.Background()

	stored, err := h.CachePut(ctx, h.Request(), textResponse(http.StatusOK, "body"))
	require.NoError(t, err, "a veto is not an error")
	require.False(t, stored)
	size, err := st.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestCacheWillUpdateOverridesPluginApproval(t *testing.T) {
	// With a CacheWillUpdate plugin present the default status check is off,
	// so even a 404 can be approved.
	st := store.NewMemory()
	plugins := []Plugin{{
		Name: "approve-all",
		CacheWillUpdate: func(_ context.Context, args *CacheWillUpdateArgs) (*http.Response, error) {
			return args.Response, nil
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: plugins})

	stored, err := h.CachePut(context.Background(), h.Request(), textResponse(http.StatusNotFound, "missing"))
	require.NoError(t, err)
	require.True(t, stored)
}

func TestCacheWillUpdateAdjustsTTL(t *testing.T) {
	st := store.NewMemory()
	plugins := []Plugin{{
		Name: "shorten",
		CacheWillUpdate: func(_ context.Context, args *CacheWillUpdateArgs) (*http.Response, error) {
			require.Equal(t, time.Hour, args.TTL)
			args.TTL = time.Minute
			return args.Response, nil
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", CacheTTL: time.Hour, Plugins: plugins})
	ctx := context.Background()

	stored, err := h.CachePut(ctx, h.Request(), textResponse(http.StatusOK, "body"))
	require.NoError(t, err)
	require.True(t, stored)

	entry, ok, err := st.Match(ctx, "pages:GET https://origin.example/resource")
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, entry.StoredAt.Add(time.Minute), entry.ExpiresAt, time.Second)
}

func TestCachePutTransformChainFeedsForward(t *testing.T) {
	st := store.NewMemory()
	plugins := []Plugin{
		{
			Name: "strip-cookie",
			CacheWillUpdate: func(_ context.Context, args *CacheWillUpdateArgs) (*http.Response, error) {
				args.Response.Header.Del("Set-Cookie")
				args.Response.Header.Set("X-Order", "strip")
				return args.Response, nil
			},
		},
		{
			Name: "stamp",
			CacheWillUpdate: func(_ context.Context, args *CacheWillUpdateArgs) (*http.Response, error) {
				// Second transformer sees the first one's output.
				require.Empty(t, args.Response.Header.Get("Set-Cookie"))
				args.Response.Header.Set("X-Order", args.Response.Header.Get("X-Order")+",stamp")
				return args.Response, nil
			},
		},
	}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: plugins})
	ctx := context.Background()

	resp := textResponse(http.StatusOK, "body")
	resp.Header.Set("Set-Cookie", "session=abc")
	stored, err := h.CachePut(ctx, h.Request(), resp)
	require.NoError(t, err)
	require.True(t, stored)

	entry, ok, err := st.Match(ctx, "pages:GET https://origin.example/resource")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, entry.Header.Get("Set-Cookie"))
	require.Equal(t, "strip,stamp", entry.Header.Get("X-Order"))
}

func TestCachePutOverwritesSameKeyAndReportsOldResponse(t *testing.T) {
	st := store.NewMemory()
	type update struct{ old, new string }
	var updates []update
	plugins := []Plugin{{
		Name: "observer",
		CacheDidUpdate: func(_ context.Context, args *CacheDidUpdateArgs) error {
			u := update{new: "present"}
			if args.OldResponse != nil {
				body, err := io.ReadAll(args.OldResponse.Body)
				require.NoError(t, err)
				u.old = string(body)
			}
			require.NotNil(t, args.NewResponse)
			updates = append(updates, u)
			return nil
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: plugins})
	ctx := context.Background()

	stored, err := h.CachePut(ctx, h.Request(), textResponse(http.StatusOK, "v1"))
	require.NoError(t, err)
	require.True(t, stored)
	stored, err = h.CachePut(ctx, h.Request(), textResponse(http.StatusOK, "v2"))
	require.NoError(t, err)
	require.True(t, stored)

	// Same key overwrites instead of accumulating.
	size, err := st.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
	entry, _, err := st.Match(ctx, "pages:GET https://origin.example/resource")
	require.NoError(t, err)
	require.Equal(t, "v2", string(entry.Body))

	require.Len(t, updates, 2)
	require.Empty(t, updates[0].old)
	require.Equal(t, "v1", updates[1].old)
}

func TestCachePutKeepsCallerBodyReadable(t *testing.T) {
	st := store.NewMemory()
	h := newTestHandler(t, Config{Store: st, CacheName: "pages"})

	resp := textResponse(http.StatusOK, "shared body")
	stored, err := h.CachePut(context.Background(), h.Request(), resp)
	require.NoError(t, err)
	require.True(t, stored)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "shared body", string(body))
}

func TestCacheOperationsWrapStoreFailures(t *testing.T) {
	cause := errors.New("backend down")
	h := newTestHandler(t, Config{Store: failingStore{err: cause}, CacheName: "pages"})
	ctx := context.Background()

	_, err := h.CacheMatch(ctx, h.Request())
	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	require.Equal(t, "match", cacheErr.Op)
	require.Equal(t, "pages", cacheErr.Cache)
	require.ErrorIs(t, err, cause)

	_, err = h.CachePut(ctx, h.Request(), textResponse(http.StatusOK, "body"))
	require.ErrorAs(t, err, &cacheErr)
	require.Equal(t, "put", cacheErr.Op)
	require.ErrorIs(t, err, cause)
}

func TestCachePutPluginErrorAbortsWrite(t *testing.T) {
	st := store.NewMemory()
	plugins := []Plugin{{
		Name: "broken",
		CacheWillUpdate: func(context.Context, *CacheWillUpdateArgs) (*http.Response, error) {
			return nil, errors.New("inspection failed")
		},
	}}
	h := newTestHandler(t, Config{Store: st, CacheName: "pages", Plugins: plugins})

	_, err := h.CachePut(context.Background(), h.Request(), textResponse(http.StatusOK, "body"))
	var pluginErr *PluginError
	require.ErrorAs(t, err, &pluginErr)
	require.Equal(t, "broken", pluginErr.Plugin)
	require.Equal(t, "CacheWillUpdate", pluginErr.Callback)

	size, err := st.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
}
