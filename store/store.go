// Package store provides the named response stores the strategy engine reads
// and writes: an in-process map, a Valkey/Redis client, and a SQLite file.
// Entries are replayable snapshots of HTTP responses keyed by canonical
// request keys.
package store

import (
	"context"
	"net/http"
)

// Store is a named key to response mapping. Implementations must be safe for
// concurrent use.
type Store interface {
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Sweeper is implemented by stores that accumulate expired entries and need
// periodic cleanup. Backends whose engine expires keys on its own do not
// implement it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// MatchOptions relax cache key derivation.
type MatchOptions struct {
	// IgnoreQuery drops the query string from the key, so all query variants
	// of a URL share one entry.
	IgnoreQuery bool
	// IgnoreMethod keys every request as a GET.
	IgnoreMethod bool
}

// Key derives the canonical cache key for a request: the method and the URL
// with any fragment removed. MatchOptions prune the parts the caller wants
// collapsed.
func Key(req *http.Request, opts MatchOptions) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if opts.IgnoreQuery {
		u.RawQuery = ""
	}
	method := req.Method
	if opts.IgnoreMethod || method == "" {
		method = http.MethodGet
	}
	return method + " " + u.String()
}
