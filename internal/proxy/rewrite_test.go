package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestBuildUpstreamRequestRewritesURL(t *testing.T) {
	route := &compiledRoute{upstream: mustParseURL(t, "https://api.origin.example/base?token=1")}

	r := httptest.NewRequest(http.MethodGet, "http://cache.local/v1/users?page=2", http.NoBody)
	r.RemoteAddr = "203.0.113.7:5642"
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Connection", "close, X-Drop")
	r.Header.Set("X-Drop", "1")
	r.Header.Set("Keep-Alive", "5")

	out := buildUpstreamRequest(route, r)

	require.Equal(t, "https://api.origin.example/base/v1/users?token=1&page=2", out.URL.String())
	require.Equal(t, "api.origin.example", out.Host)
	require.Empty(t, out.RequestURI)

	require.Equal(t, "application/json", out.Header.Get("Accept"))
	require.Empty(t, out.Header.Get("Connection"))
	require.Empty(t, out.Header.Get("X-Drop"))
	require.Empty(t, out.Header.Get("Keep-Alive"))

	require.Equal(t, "203.0.113.7", out.Header.Get("X-Forwarded-For"))
	require.Equal(t, "cache.local", out.Header.Get("X-Forwarded-Host"))
	require.Equal(t, "http", out.Header.Get("X-Forwarded-Proto"))

	// The incoming request is untouched.
	require.Equal(t, "cache.local", r.URL.Host)
	require.Equal(t, "close, X-Drop", r.Header.Get("Connection"))
}

func TestBuildUpstreamRequestAppendsForwardedFor(t *testing.T) {
	route := &compiledRoute{upstream: mustParseURL(t, "http://origin.internal")}

	r := httptest.NewRequest(http.MethodGet, "http://cache.local/a", http.NoBody)
	r.RemoteAddr = "203.0.113.7:5642"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	out := buildUpstreamRequest(route, r)
	require.Equal(t, "198.51.100.9, 203.0.113.7", out.Header.Get("X-Forwarded-For"))
}

func TestBuildUpstreamRequestKeepsClientURLWithoutUpstream(t *testing.T) {
	route := &compiledRoute{}

	r := httptest.NewRequest(http.MethodGet, "/offline/page", http.NoBody)
	out := buildUpstreamRequest(route, r)

	require.Equal(t, "http://example.com/offline/page", out.URL.String())
	require.Equal(t, "example.com", out.Header.Get("X-Forwarded-Host"))
}

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		want   bool
	}{
		{prefix: "/", path: "/anything", want: true},
		{prefix: "/api/", path: "/api/users", want: true},
		{prefix: "/api/", path: "/api/", want: true},
		{prefix: "/api/", path: "/api", want: false},
		{prefix: "/api", path: "/api", want: true},
		{prefix: "/api", path: "/api/users", want: true},
		{prefix: "/api", path: "/apics", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+" "+tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, matchesPrefix(tt.prefix, tt.path))
		})
	}
}
