package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	conflictingRoutes := cfg
	conflictingRoutes.Server.Routes.RoutesFile = "routes.yaml"
	require.Error(t, conflictingRoutes.Validate())

	negativeTTL := cfg
	negativeTTL.Server.Cache.TTLSeconds = -1
	require.Error(t, negativeTTL.Validate())

	negativeTimeout := cfg
	negativeTimeout.Server.Upstream.TimeoutSeconds = -5
	require.Error(t, negativeTimeout.Validate())

	unknownBackend := cfg
	unknownBackend.Server.Cache.Backend = "teleport"
	require.Error(t, unknownBackend.Validate())

	valkeyWithoutAddress := cfg
	valkeyWithoutAddress.Server.Cache.Backend = "valkey"
	require.Error(t, valkeyWithoutAddress.Validate())

	valkeyWithAddress := cfg
	valkeyWithAddress.Server.Cache.Backend = "valkey"
	valkeyWithAddress.Server.Cache.Valkey.Address = "127.0.0.1:6379"
	require.NoError(t, valkeyWithAddress.Validate())

	sqliteWithoutPath := cfg
	sqliteWithoutPath.Server.Cache.Backend = "sqlite"
	require.Error(t, sqliteWithoutPath.Validate())
}

func TestValidateRoute(t *testing.T) {
	tests := []struct {
		name            string
		route           RouteConfig
		defaultUpstream string
		wantErr         string
	}{
		{
			name:  "accepts a complete route",
			route: RouteConfig{Prefix: "/api", Strategy: "cache-first", Upstream: "http://origin.internal"},
		},
		{
			name:    "requires a prefix",
			route:   RouteConfig{Strategy: "cache-first", Upstream: "http://origin.internal"},
			wantErr: "prefix required",
		},
		{
			name:    "rejects relative prefixes",
			route:   RouteConfig{Prefix: "api", Strategy: "cache-first", Upstream: "http://origin.internal"},
			wantErr: "must start with /",
		},
		{
			name:    "requires a strategy",
			route:   RouteConfig{Prefix: "/api", Upstream: "http://origin.internal"},
			wantErr: "strategy required",
		},
		{
			name:    "rejects unknown strategies",
			route:   RouteConfig{Prefix: "/api", Strategy: "teleport", Upstream: "http://origin.internal"},
			wantErr: "strategy unsupported",
		},
		{
			name:    "requires an upstream for network strategies",
			route:   RouteConfig{Prefix: "/api", Strategy: "network-first"},
			wantErr: "needs an upstream",
		},
		{
			name:            "accepts the server default upstream",
			route:           RouteConfig{Prefix: "/api", Strategy: "network-first"},
			defaultUpstream: "http://origin.internal",
		},
		{
			name:  "cache-only needs no upstream",
			route: RouteConfig{Prefix: "/offline", Strategy: "cache-only"},
		},
		{
			name:    "rejects malformed ttl",
			route:   RouteConfig{Prefix: "/api", Strategy: "cache-first", Upstream: "http://origin.internal", TTL: "fortnight"},
			wantErr: "ttl invalid",
		},
		{
			name:    "rejects malformed network timeout",
			route:   RouteConfig{Prefix: "/api", Strategy: "cache-first", Upstream: "http://origin.internal", NetworkTimeout: "soon"},
			wantErr: "networkTimeout invalid",
		},
		{
			name: "refresh schedule needs paths",
			route: RouteConfig{
				Prefix: "/api", Strategy: "cache-first", Upstream: "http://origin.internal",
				Refresh: RefreshConfig{Schedule: "@hourly"},
			},
			wantErr: "without refresh.paths",
		},
		{
			name: "refresh paths must be rooted",
			route: RouteConfig{
				Prefix: "/api", Strategy: "cache-first", Upstream: "http://origin.internal",
				Refresh: RefreshConfig{Schedule: "@hourly", Paths: []string{"home"}},
			},
			wantErr: "must start with /",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRoute("api", tc.route, tc.defaultUpstream)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRouteDurations(t *testing.T) {
	route := RouteConfig{TTL: "90s", NetworkTimeout: "2s"}
	require.Equal(t, 90*time.Second, route.CacheTTL())
	require.Equal(t, 2*time.Second, route.FetchTimeout())

	require.Zero(t, RouteConfig{}.CacheTTL())
	require.Zero(t, RouteConfig{TTL: "garbage"}.CacheTTL())
	require.Zero(t, RouteConfig{TTL: "-1m"}.CacheTTL())
	require.Zero(t, RouteConfig{NetworkTimeout: "later"}.FetchTimeout())
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, "json", cfg.Server.Logging.Format)
	require.Equal(t, "X-Request-ID", cfg.Server.Logging.CorrelationHeader)
	require.Equal(t, "./routes", cfg.Server.Routes.RoutesFolder)
	require.Equal(t, "memory", cfg.Server.Cache.Backend)
	require.Equal(t, 60, cfg.Server.Cache.TTLSeconds)
	require.Equal(t, 10, cfg.Server.Upstream.TimeoutSeconds)
}
