package server

import (
	"net/http"
	"strings"
)

// ProxyHTTP is the surface the router needs from the caching proxy: the
// traffic path plus the two ops endpoints describing its state.
type ProxyHTTP interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeExplain(http.ResponseWriter, *http.Request)
}

// NewHandler dispatches the ops endpoints and sends every other path through
// the proxy. The ops paths win over route prefixes, so a route mounted at /
// cannot shadow them. A nil metrics handler disables /metrics.
func NewHandler(p ProxyHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch opsRoute(r.URL.Path) {
		case "healthz":
			p.ServeHealth(w, r)
		case "explain":
			p.ServeExplain(w, r)
		case "metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			p.ServeHTTP(w, r)
		}
	})
}

func opsRoute(path string) string {
	switch strings.ToLower(strings.Trim(path, "/")) {
	case "health", "healthz":
		return "healthz"
	case "explain":
		return "explain"
	case "metrics":
		return "metrics"
	}
	return ""
}
