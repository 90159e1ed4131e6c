package cacheflow

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/cacheflow/store"
)

// KeyMode tells a CacheKeyWillBeUsed callback whether the derived key serves
// a cache read or a cache write.
type KeyMode string

const (
	KeyRead  KeyMode = "read"
	KeyWrite KeyMode = "write"
)

// State is a per-plugin scratch area shared by one plugin's callbacks within
// a single handling invocation, so an early callback can hand data to a later
// one. It is safe for concurrent use; background tasks may run callbacks
// while the response path is still executing.
type State struct {
	mu sync.Mutex
	m  map[string]any
}

func newState() *State { return &State{m: make(map[string]any)} }

// Get returns the value stored under key, if any.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Plugin observes and rewrites the lifecycle of a handler invocation. Every
// callback is optional; nil callbacks are skipped. For each callback kind,
// plugins run in registration order, and each transforming callback receives
// the previous one's output. A transforming callback returning nil keeps the
// current value, except where nil is meaningful: CacheWillUpdate returning
// nil vetoes the write, and CachedResponseWillBeUsed returning nil suppresses
// the cached response.
type Plugin struct {
	// Name identifies the plugin in errors.
	Name string

	// CacheKeyWillBeUsed rewrites the request whose method and URL become
	// the cache key.
	CacheKeyWillBeUsed func(ctx context.Context, args *CacheKeyArgs) (*http.Request, error)
	// CacheWillUpdate approves or transforms a response before it is
	// written. Returning a nil response vetoes the write. The callback may
	// also adjust args.TTL to change the entry lifetime.
	CacheWillUpdate func(ctx context.Context, args *CacheWillUpdateArgs) (*http.Response, error)
	// CachedResponseWillBeUsed transforms or suppresses the response a cache
	// read produced. It also runs on a miss with a nil CachedResponse, so a
	// plugin can synthesize a response.
	CachedResponseWillBeUsed func(ctx context.Context, args *CachedResponseArgs) (*http.Response, error)
	// RequestWillFetch rewrites the request before it goes to the network.
	RequestWillFetch func(ctx context.Context, args *RequestWillFetchArgs) (*http.Request, error)
	// FetchDidSucceed transforms a successful network response.
	FetchDidSucceed func(ctx context.Context, args *FetchDidSucceedArgs) (*http.Response, error)
	// FetchDidFail observes a failed fetch.
	FetchDidFail func(ctx context.Context, args *FetchDidFailArgs) error
	// CacheDidUpdate observes a completed cache write, with the entry it
	// replaced when one existed.
	CacheDidUpdate func(ctx context.Context, args *CacheDidUpdateArgs) error

	// HandlerWillStart observes the start of an invocation.
	HandlerWillStart func(ctx context.Context, args *HandlerWillStartArgs) error
	// HandlerWillRespond applies a final rewrite before the response is
	// returned to the caller.
	HandlerWillRespond func(ctx context.Context, args *HandlerWillRespondArgs) (*http.Response, error)
	// HandlerDidRespond observes the response handed back to the caller; the
	// response is nil when the invocation failed.
	HandlerDidRespond func(ctx context.Context, args *HandlerDidRespondArgs) error
	// HandlerDidError offers a fallback response after a failed invocation;
	// the first non-nil response rescues it.
	HandlerDidError func(ctx context.Context, args *HandlerDidErrorArgs) (*http.Response, error)
	// HandlerDidComplete observes the invocation after every background task
	// settled. Err carries the first background failure, if any.
	HandlerDidComplete func(ctx context.Context, args *HandlerDidCompleteArgs) error
}

type CacheKeyArgs struct {
	Request *http.Request
	Mode    KeyMode
	State   *State
}

type CacheWillUpdateArgs struct {
	Request  *http.Request
	Response *http.Response
	// TTL is the lifetime the entry will be written with. It arrives
	// prefilled from the strategy configuration and survives callback to
	// callback; zero keeps the entry forever.
	TTL   time.Duration
	State *State
}

type CachedResponseArgs struct {
	CacheName    string
	Request      *http.Request
	MatchOptions store.MatchOptions
	// CachedResponse is the read result, nil on a miss.
	CachedResponse *http.Response
	State          *State
}

type RequestWillFetchArgs struct {
	Request *http.Request
	State   *State
}

type FetchDidSucceedArgs struct {
	Request  *http.Request
	Response *http.Response
	State    *State
}

type FetchDidFailArgs struct {
	// OriginalRequest is the request as the fetch began, before
	// RequestWillFetch rewrites.
	OriginalRequest *http.Request
	Request         *http.Request
	Err             error
	State           *State
}

type CacheDidUpdateArgs struct {
	CacheName string
	Request   *http.Request
	// OldResponse is the entry the write replaced, nil when none existed.
	OldResponse *http.Response
	NewResponse *http.Response
	State       *State
}

type HandlerWillStartArgs struct {
	Request *http.Request
	State   *State
}

type HandlerWillRespondArgs struct {
	Request  *http.Request
	Response *http.Response
	State    *State
}

type HandlerDidRespondArgs struct {
	Request  *http.Request
	Response *http.Response
	State    *State
}

type HandlerDidErrorArgs struct {
	Request *http.Request
	Err     error
	State   *State
}

type HandlerDidCompleteArgs struct {
	Request  *http.Request
	Response *http.Response
	Err      error
	State    *State
}
