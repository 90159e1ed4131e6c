package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/cacheflow"
	"github.com/l0p7/cacheflow/internal/expr"
)

// cacheDirectives carries the response Cache-Control fields the write path
// inspects.
type cacheDirectives struct {
	maxAge  *time.Duration
	sMaxAge *time.Duration
	noCache bool
	noStore bool
	private bool
}

// parseCacheControl extracts the directives relevant to a shared cache from a
// Cache-Control header value. Unknown directives are ignored.
func parseCacheControl(header string) cacheDirectives {
	var d cacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if hasValue {
			seconds, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || seconds < 0 {
				continue
			}
			ttl := time.Duration(seconds) * time.Second
			switch name {
			case "max-age":
				d.maxAge = &ttl
			case "s-maxage":
				d.sMaxAge = &ttl
			}
			continue
		}
		switch name {
		case "no-cache":
			d.noCache = true
		case "no-store":
			d.noStore = true
		case "private":
			d.private = true
		}
	}
	return d
}

// ttl resolves the directives to an entry lifetime. Zero means the response
// must not be stored; nil means no directive spoke and the route TTL applies.
// s-maxage wins over max-age for a shared cache.
func (d cacheDirectives) ttl() *time.Duration {
	if d.noCache || d.noStore || d.private {
		zero := time.Duration(0)
		return &zero
	}
	if d.sMaxAge != nil {
		return d.sMaxAge
	}
	if d.maxAge != nil {
		return d.maxAge
	}
	return nil
}

// cacheableStatusPlugin gates writes on a successful status. Routes install
// it ahead of the other admission plugins because any CacheWillUpdate plugin
// replaces the engine's built-in check, so the chain has to restate it.
func cacheableStatusPlugin() cacheflow.Plugin {
	return cacheflow.Plugin{
		Name: "cacheable-status",
		CacheWillUpdate: func(_ context.Context, args *cacheflow.CacheWillUpdateArgs) (*http.Response, error) {
			if args.Response.StatusCode < 200 || args.Response.StatusCode >= 300 {
				return nil, nil
			}
			return args.Response, nil
		},
	}
}

// cacheControlPlugin honors the upstream's Cache-Control response header:
// no-store, no-cache, and private suppress the write, while s-maxage and
// max-age override the route TTL.
func cacheControlPlugin() cacheflow.Plugin {
	return cacheflow.Plugin{
		Name: "cache-control",
		CacheWillUpdate: func(_ context.Context, args *cacheflow.CacheWillUpdateArgs) (*http.Response, error) {
			override := parseCacheControl(args.Response.Header.Get("Cache-Control")).ttl()
			if override == nil {
				return args.Response, nil
			}
			if *override <= 0 {
				return nil, nil
			}
			args.TTL = *override
			return args.Response, nil
		},
	}
}

// cacheIfPlugin evaluates the route's cacheIf expression against the request
// and the fetched response. A false result skips the write, and so does an
// evaluation failure, logged so a broken expression cannot silently admit
// everything.
func cacheIfPlugin(program expr.Program, logger *slog.Logger) cacheflow.Plugin {
	return cacheflow.Plugin{
		Name: "cache-if",
		CacheWillUpdate: func(_ context.Context, args *cacheflow.CacheWillUpdateArgs) (*http.Response, error) {
			ok, err := program.EvalBool(expr.BuildActivation(args.Request, args.Response))
			if err != nil {
				logger.Warn("cacheIf evaluation failed, skipping cache write",
					slog.String("expression", program.Source()),
					slog.Any("error", err))
				return nil, nil
			}
			if !ok {
				return nil, nil
			}
			return args.Response, nil
		},
	}
}
