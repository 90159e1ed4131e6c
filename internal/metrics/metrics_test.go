package metrics

import (
	"errors"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("articles", "cache-first", 200, "cache", 250*time.Millisecond)

	families := gather(t, rec, "cacheflow_proxy_requests_total", "cacheflow_proxy_request_duration_seconds")

	counter := findMetric(t, families["cacheflow_proxy_requests_total"], map[string]string{
		"route":       "articles",
		"strategy":    "cache-first",
		"status_code": "200",
		"source":      "cache",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for proxied requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["cacheflow_proxy_request_duration_seconds"], map[string]string{
		"route":    "articles",
		"strategy": "cache-first",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for request latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache("pages", CacheOperationMatch, CacheHit, 10*time.Millisecond)
	rec.ObserveCache("pages", CacheOperationPut, CacheStored, 5*time.Millisecond)

	families := gather(t, rec, "cacheflow_cache_operations_total", "cacheflow_cache_operation_duration_seconds")

	matchMetric := findMetric(t, families["cacheflow_cache_operations_total"], map[string]string{
		"cache":     "pages",
		"operation": string(CacheOperationMatch),
		"result":    string(CacheHit),
	})
	if matchMetric.GetCounter() == nil {
		t.Fatalf("expected counter metric for cache match")
	}
	if got := matchMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected match counter 1, got %v", got)
	}

	putMetric := findMetric(t, families["cacheflow_cache_operations_total"], map[string]string{
		"cache":     "pages",
		"operation": string(CacheOperationPut),
		"result":    string(CacheStored),
	})
	if putMetric.GetCounter() == nil {
		t.Fatalf("expected counter metric for cache put")
	}
	if got := putMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected put counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["cacheflow_cache_operation_duration_seconds"], map[string]string{
		"cache":     "pages",
		"operation": string(CacheOperationPut),
		"result":    string(CacheStored),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache put latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveFetchAndBackground(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("articles", FetchTimeout, 100*time.Millisecond)
	rec.ObserveBackground("articles", nil)
	rec.ObserveBackground("articles", errors.New("revalidation failed"))

	families := gather(t, rec, "cacheflow_upstream_fetches_total", "cacheflow_proxy_background_completions_total")

	fetchMetric := findMetric(t, families["cacheflow_upstream_fetches_total"], map[string]string{
		"route":  "articles",
		"result": string(FetchTimeout),
	})
	if got := fetchMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fetch counter 1, got %v", got)
	}

	okMetric := findMetric(t, families["cacheflow_proxy_background_completions_total"], map[string]string{
		"route":  "articles",
		"result": "ok",
	})
	if got := okMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected ok background counter 1, got %v", got)
	}
	errMetric := findMetric(t, families["cacheflow_proxy_background_completions_total"], map[string]string{
		"route":  "articles",
		"result": "error",
	})
	if got := errMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected error background counter 1, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("articles", "cache-first", 200, "cache", time.Millisecond)
	rec.ObserveCache("pages", CacheOperationMatch, CacheHit, time.Millisecond)
	rec.ObserveFetch("articles", FetchOK, time.Millisecond)
	rec.ObserveBackground("articles", nil)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
	if _, err := rec.Gatherer().Gather(); err != nil {
		t.Fatalf("nil recorder gatherer: %v", err)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
