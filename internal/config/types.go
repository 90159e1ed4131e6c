package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the route definitions once they
// are loaded.
type Config struct {
	Server ServerConfig           `koanf:"server"`
	Routes map[string]RouteConfig `koanf:"routes"`

	InlineRoutes map[string]RouteConfig `koanf:"-"`

	// RouteSources records which files contributed route definitions once the
	// loader resolves the configured sources. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	RouteSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions
	// the loader intentionally disabled. The ops endpoints surface these so
	// operators see which routes were quarantined without re-parsing files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen   ListenConfig      `koanf:"listen"`
	Logging  LoggingConfig     `koanf:"logging"`
	Routes   RoutesConfig      `koanf:"routes"`
	Upstream UpstreamConfig    `koanf:"upstream"`
	Cache    ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RoutesConfig announces how route documents are sourced.
type RoutesConfig struct {
	RoutesFolder string `koanf:"routesFolder"`
	RoutesFile   string `koanf:"routesFile"`
}

// UpstreamConfig sets the default origin that routes proxy to when they do not
// name their own.
type UpstreamConfig struct {
	BaseURL        string `koanf:"baseURL"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

type ServerCacheConfig struct {
	Backend    string                  `koanf:"backend"`
	TTLSeconds int                     `koanf:"ttlSeconds"`
	Valkey     ServerValkeyCacheConfig `koanf:"valkey"`
	SQLite     ServerSQLiteCacheConfig `koanf:"sqlite"`
}

type ServerValkeyCacheConfig struct {
	Address  string                `koanf:"address"`
	Username string                `koanf:"username"`
	Password string                `koanf:"password"`
	DB       int                   `koanf:"db"`
	TLS      ServerValkeyTLSConfig `koanf:"tls"`
}

type ServerValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ServerSQLiteCacheConfig struct {
	Path string `koanf:"path"`
}

// DefinitionSkip describes a route definition that the loader intentionally
// ignored because it violated invariants (for example duplicate names across
// files). The ops endpoints expose these so operators know which definitions
// were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// RouteConfig binds a path prefix to a caching strategy and the policies that
// shape its traffic.
type RouteConfig struct {
	Description       string              `koanf:"description"`
	Prefix            string              `koanf:"prefix"`
	Strategy          string              `koanf:"strategy"`
	Upstream          string              `koanf:"upstream"`
	CacheName         string              `koanf:"cacheName"`
	TTL               string              `koanf:"ttl"`
	NetworkTimeout    string              `koanf:"networkTimeout"`
	IgnoreQuery       bool                `koanf:"ignoreQuery"`
	HonorCacheControl bool                `koanf:"honorCacheControl"`
	CacheIf           string              `koanf:"cacheIf"`
	Forward           ForwardPolicyConfig `koanf:"forward"`
	Fallback          FallbackConfig      `koanf:"fallback"`
	Refresh           RefreshConfig       `koanf:"refresh"`
}

// ForwardPolicyConfig shapes what the upstream request carries.
type ForwardPolicyConfig struct {
	Headers ForwardCategoryConfig `koanf:"headers"`
	Query   ForwardCategoryConfig `koanf:"query"`
}

type ForwardCategoryConfig struct {
	Allow  []string          `koanf:"allow"`
	Strip  []string          `koanf:"strip"`
	Custom map[string]string `koanf:"custom"`
}

// FallbackConfig renders a synthetic response when a route cannot produce one.
type FallbackConfig struct {
	Status      int    `koanf:"status"`
	Body        string `koanf:"body"`
	ContentType string `koanf:"contentType"`
}

// RefreshConfig schedules cache warming for a route.
type RefreshConfig struct {
	Schedule string   `koanf:"schedule"`
	Paths    []string `koanf:"paths"`
}

// Strategies lists the accepted route strategy names.
var Strategies = []string{
	"cache-first",
	"cache-only",
	"network-first",
	"network-only",
	"stale-while-revalidate",
	"race",
}

func knownStrategy(name string) bool {
	for _, s := range Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// CacheTTL returns the route's entry lifetime. Unset or malformed values mean
// no expiry.
func (r RouteConfig) CacheTTL() time.Duration {
	return parseDurationOrZero(r.TTL)
}

// FetchTimeout returns the route's per-fetch bound. Zero disables it.
func (r RouteConfig) FetchTimeout() time.Duration {
	return parseDurationOrZero(r.NetworkTimeout)
}

func parseDurationOrZero(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Routes.RoutesFolder != "" && c.Server.Routes.RoutesFile != "" {
		return errors.New("config: routesFolder and routesFile are mutually exclusive")
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	if c.Server.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.upstream.timeoutSeconds invalid: %d", c.Server.Upstream.TimeoutSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Server.Cache.Valkey.Address) == "" {
			return errors.New("config: server.cache.valkey.address required for valkey backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Server.Cache.SQLite.Path) == "" {
			return errors.New("config: server.cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	return nil
}

// ValidateRoute enforces the invariants a single route definition must meet
// before the proxy will serve it.
func ValidateRoute(name string, route RouteConfig, defaultUpstream string) error {
	if strings.TrimSpace(route.Prefix) == "" {
		return fmt.Errorf("config: route %q prefix required", name)
	}
	if !strings.HasPrefix(route.Prefix, "/") {
		return fmt.Errorf("config: route %q prefix must start with /: %s", name, route.Prefix)
	}
	strategy := strings.TrimSpace(strings.ToLower(route.Strategy))
	if strategy == "" {
		return fmt.Errorf("config: route %q strategy required", name)
	}
	if !knownStrategy(strategy) {
		return fmt.Errorf("config: route %q strategy unsupported: %s", name, route.Strategy)
	}
	needsNetwork := strategy != "cache-only"
	if needsNetwork && strings.TrimSpace(route.Upstream) == "" && strings.TrimSpace(defaultUpstream) == "" {
		return fmt.Errorf("config: route %q needs an upstream for strategy %s", name, strategy)
	}
	if route.TTL != "" {
		if _, err := time.ParseDuration(route.TTL); err != nil {
			return fmt.Errorf("config: route %q ttl invalid: %w", name, err)
		}
	}
	if route.NetworkTimeout != "" {
		if _, err := time.ParseDuration(route.NetworkTimeout); err != nil {
			return fmt.Errorf("config: route %q networkTimeout invalid: %w", name, err)
		}
	}
	if route.Refresh.Schedule != "" && len(route.Refresh.Paths) == 0 {
		return fmt.Errorf("config: route %q refresh.schedule set without refresh.paths", name)
	}
	for i, p := range route.Refresh.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: route %q refresh.paths[%d] must start with /: %s", name, i, p)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values the loader starts from.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Routes: RoutesConfig{
				RoutesFolder: "./routes",
			},
			Upstream: UpstreamConfig{
				TimeoutSeconds: 10,
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 60,
			},
		},
	}
}
