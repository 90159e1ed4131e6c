package cacheflow

import "fmt"

// NoResponseError reports that a strategy exhausted its sources without
// producing a response: every consulted cache missed and, for strategies that
// reach the network, no usable response came back.
type NoResponseError struct {
	URL      string
	Strategy string
	// Err carries the underlying failure when one source did fail, such as
	// the network error a network-first fallback could not recover from.
	Err error
}

func (e *NoResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cacheflow: %s produced no response for %s: %v", e.Strategy, e.URL, e.Err)
	}
	return fmt.Sprintf("cacheflow: %s produced no response for %s", e.Strategy, e.URL)
}

func (e *NoResponseError) Unwrap() error { return e.Err }

// NetworkError reports a failed fetch. Timeout is set when the strategy's
// configured network deadline elapsed; the unwrap chain then carries
// context.DeadlineExceeded so errors.Is keeps working.
type NetworkError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("cacheflow: fetch %s timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("cacheflow: fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// PluginError reports a lifecycle callback failure, identifying the plugin
// and the callback that raised it. Any callback error aborts the operation it
// interposed on.
type PluginError struct {
	Plugin   string
	Callback string
	Err      error
}

func (e *PluginError) Error() string {
	name := e.Plugin
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("cacheflow: plugin %s callback %s: %v", name, e.Callback, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// CacheError reports a store failure during a cache operation. A vetoed write
// is not a CacheError; vetoes surface as an unstored outcome.
type CacheError struct {
	Cache string
	Op    string
	Key   string
	Err   error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cacheflow: cache %s %s %q: %v", e.Cache, e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
