package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	// CacheOperationMatch records cache lookup calls.
	CacheOperationMatch CacheOperation = "match"
	// CacheOperationPut records cache write attempts.
	CacheOperationPut CacheOperation = "put"
	// CacheOperationDelete records cache delete calls.
	CacheOperationDelete CacheOperation = "delete"
	// CacheOperationSweep records expired-entry sweeps.
	CacheOperationSweep CacheOperation = "sweep"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	// CacheHit indicates the lookup found a live entry.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates no live entry was present.
	CacheMiss CacheOutcome = "miss"
	// CacheStored indicates the entry was persisted.
	CacheStored CacheOutcome = "stored"
	// CacheError indicates the operation failed.
	CacheError CacheOutcome = "error"
	// CacheOK indicates a maintenance operation completed.
	CacheOK CacheOutcome = "ok"
)

// FetchOutcome captures the result of an upstream fetch.
type FetchOutcome string

const (
	// FetchOK indicates the upstream produced a response.
	FetchOK FetchOutcome = "ok"
	// FetchTimeout indicates the fetch exceeded its bound.
	FetchTimeout FetchOutcome = "timeout"
	// FetchError indicates the fetch failed for another reason.
	FetchError FetchOutcome = "error"
)

// Recorder publishes Prometheus metrics for proxy activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	backgroundSettled *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheflow",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total proxied requests, labelled by route, strategy, and response source.",
	}, []string{"route", "strategy", "status_code", "source"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cacheflow",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxied requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "strategy"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheflow",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed on behalf of strategies.",
	}, []string{"cache", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cacheflow",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"cache", "operation", "result"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheflow",
		Subsystem: "upstream",
		Name:      "fetches_total",
		Help:      "Upstream fetches issued by strategies.",
	}, []string{"route", "result"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cacheflow",
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for upstream fetches.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "result"})

	backgroundSettled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheflow",
		Subsystem: "proxy",
		Name:      "background_completions_total",
		Help:      "Invocations whose background tasks settled, labelled by outcome.",
	}, []string{"route", "result"})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency, fetches, fetchLatency, backgroundSettled)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		requests:          requests,
		requestLatency:    requestLatency,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
		fetches:           fetches,
		fetchLatency:      fetchLatency,
		backgroundSettled: backgroundSettled,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed proxied
// request. The source label distinguishes cache hits from upstream responses
// and rendered fallbacks.
func (r *Recorder) ObserveRequest(route, strategy string, statusCode int, source string, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	strategyLabel := normalizeLabel(strategy)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(routeLabel, strategyLabel, statusLabel, normalizeLabel(source)).Inc()
	r.requestLatency.WithLabelValues(routeLabel, strategyLabel).Observe(duration.Seconds())
}

// ObserveCache records one cache store operation.
func (r *Recorder) ObserveCache(cache string, operation CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheError)
	}
	cacheLabel := normalizeLabel(cache)
	r.cacheOperations.WithLabelValues(cacheLabel, opLabel, resultLabel).Inc()
	r.cacheLatency.WithLabelValues(cacheLabel, opLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveFetch records one upstream fetch.
func (r *Recorder) ObserveFetch(route string, result FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(FetchError)
	}
	r.fetches.WithLabelValues(normalizeLabel(route), resultLabel).Inc()
	r.fetchLatency.WithLabelValues(normalizeLabel(route), resultLabel).Observe(duration.Seconds())
}

// ObserveBackground records that an invocation's extend-lifetime tasks
// settled.
func (r *Recorder) ObserveBackground(route string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.backgroundSettled.WithLabelValues(normalizeLabel(route), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
