package proxy

import (
	"context"
	"strings"
	"time"

	"github.com/l0p7/cacheflow/internal/metrics"
	"github.com/l0p7/cacheflow/store"
)

// instrumentedStore reports operation counts and latency for the shared
// response store. The cache label comes from the key's namespace prefix.
type instrumentedStore struct {
	inner store.Store
	rec   *metrics.Recorder
}

// InstrumentStore wraps inner so every operation lands in rec. Stores that
// sweep expired entries keep their Sweeper surface.
func InstrumentStore(inner store.Store, rec *metrics.Recorder) store.Store {
	if inner == nil || rec == nil {
		return inner
	}
	wrapped := &instrumentedStore{inner: inner, rec: rec}
	if sweeper, ok := inner.(store.Sweeper); ok {
		return &instrumentedSweeperStore{instrumentedStore: wrapped, sweeper: sweeper}
	}
	return wrapped
}

func cacheLabelFromKey(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return "unknown"
}

func (s *instrumentedStore) Match(ctx context.Context, key string) (store.Entry, bool, error) {
	start := time.Now()
	entry, ok, err := s.inner.Match(ctx, key)
	result := metrics.CacheMiss
	switch {
	case err != nil:
		result = metrics.CacheError
	case ok:
		result = metrics.CacheHit
	}
	s.rec.ObserveCache(cacheLabelFromKey(key), metrics.CacheOperationMatch, result, time.Since(start))
	return entry, ok, err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, entry store.Entry) error {
	start := time.Now()
	err := s.inner.Put(ctx, key, entry)
	result := metrics.CacheStored
	if err != nil {
		result = metrics.CacheError
	}
	s.rec.ObserveCache(cacheLabelFromKey(key), metrics.CacheOperationPut, result, time.Since(start))
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	result := metrics.CacheOK
	if err != nil {
		result = metrics.CacheError
	}
	s.rec.ObserveCache(cacheLabelFromKey(key), metrics.CacheOperationDelete, result, time.Since(start))
	return err
}

func (s *instrumentedStore) Len(ctx context.Context) (int64, error) {
	return s.inner.Len(ctx)
}

func (s *instrumentedStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

// instrumentedSweeperStore keeps the Sweeper surface of backends that need
// periodic expiry. Sweeps span every namespace, so they land under one label.
type instrumentedSweeperStore struct {
	*instrumentedStore
	sweeper store.Sweeper
}

func (s *instrumentedSweeperStore) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.sweeper.Sweep(ctx)
	result := metrics.CacheOK
	if err != nil {
		result = metrics.CacheError
	}
	s.rec.ObserveCache("all", metrics.CacheOperationSweep, result, time.Since(start))
	return n, err
}
