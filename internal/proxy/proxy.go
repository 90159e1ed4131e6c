// Package proxy serves HTTP traffic through per-route caching strategies. A
// route binds a path prefix to an upstream, one of the engine's strategies,
// and the plugin set that shapes forwarding, cache admission, fallback, and
// observability for that prefix.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/cacheflow"
	"github.com/l0p7/cacheflow/internal/config"
	"github.com/l0p7/cacheflow/internal/expr"
	"github.com/l0p7/cacheflow/internal/metrics"
	"github.com/l0p7/cacheflow/internal/templates"
	"github.com/l0p7/cacheflow/store"
)

// Options configures a Proxy.
type Options struct {
	// Store holds cached responses for every route.
	Store store.Store
	// Client executes upstream fetches. Defaults to http.DefaultClient.
	Client cacheflow.Doer
	// Recorder receives request, fetch, and background metrics. Optional.
	Recorder *metrics.Recorder
	// Renderer compiles inline fallback templates. Defaults to a fresh
	// renderer.
	Renderer *templates.Renderer
	// DefaultUpstream is the base URL routes forward to when they name none.
	DefaultUpstream string
	// UpstreamTimeout bounds fetches for routes without their own timeout.
	UpstreamTimeout time.Duration
	// DefaultTTL is the entry lifetime for routes without their own.
	DefaultTTL time.Duration
	// CorrelationHeader names the header that carries correlation IDs; blank
	// disables echoing.
	CorrelationHeader string
}

// Proxy dispatches requests to compiled routes and serves the ops endpoints
// that describe them. Routes arrive through Reload and can be swapped while
// traffic is in flight.
type Proxy struct {
	logger            *slog.Logger
	store             store.Store
	client            cacheflow.Doer
	recorder          *metrics.Recorder
	renderer          *templates.Renderer
	env               *expr.Environment
	defaultUpstream   string
	upstreamTimeout   time.Duration
	defaultTTL        time.Duration
	correlationHeader string

	mu      sync.RWMutex
	routes  []*compiledRoute
	sources []string
	skipped []config.DefinitionSkip
}

type compiledRoute struct {
	name         string
	prefix       string
	strategyName string
	cacheName    string
	ttl          time.Duration
	upstream     *url.URL
	strategy     *cacheflow.Strategy
	// warm fetches and stores without a cache read; nil when the route has
	// no upstream to warm from.
	warm    *cacheflow.Strategy
	refresh config.RefreshConfig
}

// New builds a Proxy around the shared response store.
func New(logger *slog.Logger, opts Options) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	return &Proxy{
		logger:            logger.With(slog.String("component", "proxy")),
		store:             opts.Store,
		client:            client,
		recorder:          opts.Recorder,
		renderer:          renderer,
		env:               env,
		defaultUpstream:   strings.TrimSpace(opts.DefaultUpstream),
		upstreamTimeout:   opts.UpstreamTimeout,
		defaultTTL:        opts.DefaultTTL,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}, nil
}

// Reload swaps in the routes from bundle. Definitions that fail to compile
// are quarantined alongside the loader's own skips; the surviving routes
// serve traffic as soon as Reload returns.
func (p *Proxy) Reload(bundle config.RouteBundle) {
	compiled := make([]*compiledRoute, 0, len(bundle.Routes))
	skipped := append([]config.DefinitionSkip(nil), bundle.Skipped...)
	for name, cfg := range bundle.Routes {
		route, err := p.compileRoute(name, cfg)
		if err != nil {
			p.logger.Warn("route compilation failed", slog.String("route", name), slog.Any("error", err))
			skipped = append(skipped, config.DefinitionSkip{Kind: "route", Name: name, Reason: err.Error()})
			continue
		}
		compiled = append(compiled, route)
	}
	// Longest prefix first so resolution can take the first match.
	sort.Slice(compiled, func(i, j int) bool {
		if len(compiled[i].prefix) != len(compiled[j].prefix) {
			return len(compiled[i].prefix) > len(compiled[j].prefix)
		}
		return compiled[i].name < compiled[j].name
	})
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	p.mu.Lock()
	p.routes = compiled
	p.sources = append([]string(nil), bundle.Sources...)
	p.skipped = skipped
	p.mu.Unlock()

	p.logger.Info("routes reloaded",
		slog.Int("routes", len(compiled)),
		slog.Int("skipped", len(skipped)),
	)
}

func (p *Proxy) compileRoute(name string, cfg config.RouteConfig) (*compiledRoute, error) {
	strategyName := strings.ToLower(strings.TrimSpace(cfg.Strategy))
	routeLogger := p.logger.With(slog.String("route", name))

	var upstream *url.URL
	raw := strings.TrimSpace(cfg.Upstream)
	if raw == "" {
		raw = p.defaultUpstream
	}
	if raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy: route %q upstream %s: %w", name, raw, err)
		}
		if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("proxy: route %q upstream %s must be an absolute http(s) URL", name, raw)
		}
		upstream = parsed
	}

	cacheName := strings.TrimSpace(cfg.CacheName)
	if cacheName == "" {
		cacheName = name
	}
	ttl := cfg.CacheTTL()
	if ttl == 0 {
		ttl = p.defaultTTL
	}
	timeout := cfg.FetchTimeout()
	if timeout == 0 {
		timeout = p.upstreamTimeout
	}

	plugins := []cacheflow.Plugin{observerPlugin(name, p.recorder, routeLogger)}
	if fp, ok := forwardPlugin(cfg.Forward); ok {
		plugins = append(plugins, fp)
	}
	plugins = append(plugins, cacheableStatusPlugin())
	if cfg.HonorCacheControl {
		plugins = append(plugins, cacheControlPlugin())
	}
	if expression := strings.TrimSpace(cfg.CacheIf); expression != "" {
		program, err := p.env.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("proxy: route %q cacheIf: %w", name, err)
		}
		plugins = append(plugins, cacheIfPlugin(program, routeLogger))
	}
	// Warm invocations exclude the fallback so a rendered page can never
	// mask a failed refresh.
	warmPlugins := append([]cacheflow.Plugin(nil), plugins...)
	if cfg.Fallback.Status != 0 || strings.TrimSpace(cfg.Fallback.Body) != "" {
		tmpl, err := p.renderer.CompileInline(name+"-fallback", cfg.Fallback.Body)
		if err != nil {
			return nil, fmt.Errorf("proxy: route %q fallback: %w", name, err)
		}
		plugins = append(plugins, fallbackPlugin(name, cfg.Fallback, tmpl, routeLogger))
	}

	engineCfg := cacheflow.Config{
		CacheName:      cacheName,
		Plugins:        plugins,
		Store:          p.store,
		Client:         p.client,
		NetworkTimeout: timeout,
		CacheTTL:       ttl,
		MatchOptions:   store.MatchOptions{IgnoreQuery: cfg.IgnoreQuery},
	}
	strategy, err := buildStrategy(strategyName, engineCfg)
	if err != nil {
		return nil, err
	}

	var warm *cacheflow.Strategy
	if upstream != nil {
		warmCfg := engineCfg
		warmCfg.Plugins = warmPlugins
		warm, err = cacheflow.New(warmPolicy{}, warmCfg)
		if err != nil {
			return nil, err
		}
	}

	return &compiledRoute{
		name:         name,
		prefix:       strings.TrimSpace(cfg.Prefix),
		strategyName: strategyName,
		cacheName:    cacheName,
		ttl:          ttl,
		upstream:     upstream,
		strategy:     strategy,
		warm:         warm,
		refresh:      cfg.Refresh,
	}, nil
}

func buildStrategy(name string, cfg cacheflow.Config) (*cacheflow.Strategy, error) {
	switch name {
	case "cache-first":
		return cacheflow.CacheFirst(cfg)
	case "cache-only":
		return cacheflow.CacheOnly(cfg)
	case "network-first":
		return cacheflow.NetworkFirst(cfg)
	case "network-only":
		return cacheflow.NetworkOnly(cfg)
	case "stale-while-revalidate":
		return cacheflow.StaleWhileRevalidate(cfg)
	case "race":
		return cacheflow.CacheNetworkRace(cfg)
	default:
		return nil, fmt.Errorf("proxy: unsupported strategy %q", name)
	}
}

// warmPolicy fetches and stores without consulting the cache first, so a
// scheduled refresh always lands a fresh entry.
type warmPolicy struct{}

func (warmPolicy) Name() string { return "refresh" }

func (warmPolicy) Respond(ctx context.Context, h *cacheflow.Handler) (*http.Response, error) {
	return h.FetchAndCachePut(ctx, h.Request())
}

func (p *Proxy) resolve(path string) *compiledRoute {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, route := range p.routes {
		if matchesPrefix(route.prefix, path) {
			return route
		}
	}
	return nil
}

// matchesPrefix reports whether path falls under prefix. Prefixes match at
// segment boundaries, so /api does not capture /apics.
func matchesPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// ServeHTTP resolves the route for the request path, runs its strategy, and
// relays the produced response. Failures map to 504 when the upstream timed
// out and 502 otherwise.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := p.requestCorrelationID(r)
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}

	route := p.resolve(r.URL.Path)
	if route == nil {
		p.writeError(w, http.StatusNotFound, fmt.Sprintf("no route matches %s", r.URL.Path))
		return
	}
	logger := p.logger.With(
		slog.String("route", route.name),
		slog.String("correlation_id", correlationID),
	)

	resp, err := route.strategy.Handle(r.Context(), buildUpstreamRequest(route, r))
	if err != nil {
		status := http.StatusBadGateway
		var netErr *cacheflow.NetworkError
		if errors.As(err, &netErr) && netErr.Timeout {
			status = http.StatusGatewayTimeout
		}
		logger.Warn("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		p.writeError(w, status, http.StatusText(status))
		p.recorder.ObserveRequest(route.name, route.strategyName, status, "error", time.Since(start))
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debug("response close failed", slog.Any("error", err))
		}
	}()

	source := responseSource(resp)
	stripHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("response copy interrupted", slog.Any("error", err))
	}

	p.recorder.ObserveRequest(route.name, route.strategyName, resp.StatusCode, source, time.Since(start))
	logger.Info("request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("source", source),
		slog.Duration("duration", time.Since(start)),
	)
}

func responseSource(resp *http.Response) string {
	switch resp.Header.Get(cacheSourceHeader) {
	case sourceHit:
		return "cache"
	case sourceFallback:
		return "fallback"
	default:
		return "upstream"
	}
}

// WarmRoute fetches path through the route's upstream and waits for the
// resulting cache write to settle. The refresh scheduler drives it.
func (p *Proxy) WarmRoute(ctx context.Context, routeName, path string) error {
	p.mu.RLock()
	var route *compiledRoute
	for _, candidate := range p.routes {
		if candidate.name == routeName {
			route = candidate
			break
		}
	}
	p.mu.RUnlock()
	if route == nil {
		return fmt.Errorf("proxy: unknown route %q", routeName)
	}
	if route.warm == nil {
		return fmt.Errorf("proxy: route %q has no upstream to warm from", routeName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("proxy: warm request %q: %w", path, err)
	}
	resp, done, err := route.warm.HandleAll(ctx, buildUpstreamRequest(route, req))
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RefreshTarget names a route with a warming schedule.
type RefreshTarget struct {
	Route    string
	Schedule string
	Paths    []string
}

// RefreshTargets lists the compiled routes that asked for scheduled warming.
// Routes without an upstream cannot warm and are excluded.
func (p *Proxy) RefreshTargets() []RefreshTarget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	targets := make([]RefreshTarget, 0)
	for _, route := range p.routes {
		if route.refresh.Schedule == "" || len(route.refresh.Paths) == 0 || route.warm == nil {
			continue
		}
		targets = append(targets, RefreshTarget{
			Route:    route.name,
			Schedule: route.refresh.Schedule,
			Paths:    append([]string(nil), route.refresh.Paths...),
		})
	}
	return targets
}

// RouteStatus describes one compiled route for diagnostics.
type RouteStatus struct {
	Name     string `json:"name"`
	Prefix   string `json:"prefix"`
	Strategy string `json:"strategy"`
	Cache    string `json:"cache"`
	Upstream string `json:"upstream,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Refresh  string `json:"refresh,omitempty"`
}

// ServeHealth reports the proxy's routing state and store size.
func (p *Proxy) ServeHealth(w http.ResponseWriter, r *http.Request) {
	var entries int64
	if p.store != nil {
		n, err := p.store.Len(r.Context())
		if err != nil {
			p.logger.Error("store size query failed", slog.Any("error", err))
		} else {
			entries = n
		}
	}
	p.mu.RLock()
	routeCount := len(p.routes)
	sources := append([]string(nil), p.sources...)
	skipped := append([]config.DefinitionSkip(nil), p.skipped...)
	p.mu.RUnlock()

	health := "ok"
	if routeCount == 0 {
		health = "degraded"
	}
	status := map[string]any{
		"status":       health,
		"routes":       routeCount,
		"cacheEntries": entries,
		"observedAt":   time.Now().UTC(),
	}
	if len(sources) > 0 {
		status["routeSources"] = sources
	}
	if len(skipped) > 0 {
		status["skippedDefinitions"] = skipped
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// ServeExplain renders the compiled route table so operators can see what is
// actually being served, including quarantined definitions.
func (p *Proxy) ServeExplain(w http.ResponseWriter, _ *http.Request) {
	p.mu.RLock()
	routes := make([]RouteStatus, 0, len(p.routes))
	for _, route := range p.routes {
		status := RouteStatus{
			Name:     route.name,
			Prefix:   route.prefix,
			Strategy: route.strategyName,
			Cache:    route.cacheName,
		}
		if route.upstream != nil {
			status.Upstream = route.upstream.String()
		}
		if route.ttl > 0 {
			status.TTL = route.ttl.String()
		}
		if route.refresh.Schedule != "" {
			status.Refresh = route.refresh.Schedule
		}
		routes = append(routes, status)
	}
	sources := append([]string(nil), p.sources...)
	skipped := append([]config.DefinitionSkip(nil), p.skipped...)
	p.mu.RUnlock()

	payload := struct {
		ObservedAt         time.Time               `json:"observedAt"`
		Routes             []RouteStatus           `json:"routes"`
		RouteSources       []string                `json:"routeSources,omitempty"`
		SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	}{
		ObservedAt:         time.Now().UTC(),
		Routes:             routes,
		RouteSources:       sources,
		SkippedDefinitions: skipped,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("explain encode failed", slog.Any("error", err))
	}
}

func (p *Proxy) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}
