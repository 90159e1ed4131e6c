package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/l0p7/cacheflow/internal/config"
	"github.com/l0p7/cacheflow/internal/proxy"
	"github.com/l0p7/cacheflow/internal/refresh"
	"github.com/l0p7/cacheflow/store"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.ServerCacheConfig
		verify func(t *testing.T, s store.Store)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{TTLSeconds: 1}
			},
			verify: func(t *testing.T, s store.Store) {
				require.NotNil(t, s, "expected store to be constructed")
			},
		},
		{
			name: "constructs valkey store",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.ServerCacheConfig{
					Backend:    "valkey",
					TTLSeconds: 1,
					Valkey: config.ServerValkeyCacheConfig{
						Address: server.Addr(),
					},
				}
			},
			verify: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				require.NoError(t, s.Put(ctx, "GET http://origin.internal/roundtrip", storeEntry()))
				_, ok, err := s.Match(ctx, "GET http://origin.internal/roundtrip")
				require.NoError(t, err)
				require.True(t, ok, "expected match to succeed")
			},
		},
		{
			name: "constructs sqlite store",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{
					Backend:    "sqlite",
					TTLSeconds: 1,
					SQLite: config.ServerSQLiteCacheConfig{
						Path: filepath.Join(t.TempDir(), "responses.db"),
					},
				}
			},
			verify: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				require.NoError(t, s.Put(ctx, "GET http://origin.internal/roundtrip", storeEntry()))
				_, ok, err := s.Match(ctx, "GET http://origin.internal/roundtrip")
				require.NoError(t, err)
				require.True(t, ok, "expected match to succeed")
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "teleport", TTLSeconds: 1}
			},
			verify: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				require.NoError(t, s.Put(ctx, "GET http://origin.internal/roundtrip", storeEntry()))
				_, ok, err := s.Match(ctx, "GET http://origin.internal/roundtrip")
				require.NoError(t, err)
				require.True(t, ok, "expected match to succeed")
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			s := buildStore(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, s.Close(context.Background()))
			})

			tc.verify(t, s)
		})
	}
}

func storeEntry() store.Entry {
	now := time.Now().UTC()
	return store.Entry{
		Status:    200,
		Header:    http.Header{"Content-Type": []string{"application/json"}},
		Body:      []byte(`{"ok":true}`),
		URL:       "http://origin.internal/roundtrip",
		StoredAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestRefreshTargets(t *testing.T) {
	p, err := proxy.New(newTestLogger(), proxy.Options{Store: store.NewMemory(), DefaultTTL: time.Minute})
	require.NoError(t, err)
	p.Reload(config.RouteBundle{Routes: map[string]config.RouteConfig{
		"pages": {
			Prefix:   "/pages",
			Strategy: "cache-first",
			Upstream: "http://origin.internal",
			Refresh:  config.RefreshConfig{Schedule: "@hourly", Paths: []string{"/pages/home"}},
		},
		"api": {
			Prefix:   "/api",
			Strategy: "network-only",
			Upstream: "http://origin.internal",
		},
	}})

	targets := refreshTargets(p)
	require.Len(t, targets, 1)
	require.Equal(t, refresh.Target{Route: "pages", Schedule: "@hourly", Paths: []string{"/pages/home"}}, targets[0])
}
