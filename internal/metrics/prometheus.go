package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the cache-aside layer.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	resolutionsTotal *prometheus.CounterVec
	cacheProbesTotal *prometheus.CounterVec
	cacheWritesTotal *prometheus.CounterVec
	cacheDecodeFails prometheus.Counter
	coalescedTotal   *prometheus.CounterVec

	// Histograms
	resolveDuration    *prometheus.HistogramVec
	storeFetchDuration *prometheus.HistogramVec

	// Gauges
	cacheBreakerState prometheus.Gauge
	inflightFetches   prometheus.Gauge
}

// Default histogram buckets (in milliseconds)
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total dataset resolutions by source and status",
			},
			[]string{"dataset", "source", "status"},
		),

		cacheProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_probes_total",
				Help:      "Cache probes by result (hit, miss, unavailable, short_circuit)",
			},
			[]string{"result"},
		),

		cacheWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Cache populate attempts by result (ok, error, short_circuit)",
			},
			[]string{"result"},
		),

		cacheDecodeFails: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_decode_failures_total",
				Help:      "Cached payloads that could not be decoded and were refetched",
			},
		),

		coalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_fetches_total",
				Help:      "Resolutions that shared an in-flight store fetch",
			},
			[]string{"dataset"},
		),

		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_milliseconds",
				Help:      "End-to-end resolve latency in milliseconds",
				Buckets:   buckets,
			},
			[]string{"dataset", "source"},
		),

		storeFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_fetch_duration_milliseconds",
				Help:      "Authoritative store fetch latency in milliseconds",
				Buckets:   buckets,
			},
			[]string{"driver", "status"},
		),

		cacheBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_breaker_state",
				Help:      "Cache circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
		),

		inflightFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_store_fetches",
				Help:      "Store fetches currently in progress",
			},
		),
	}

	registry.MustRegister(
		pm.resolutionsTotal,
		pm.cacheProbesTotal,
		pm.cacheWritesTotal,
		pm.cacheDecodeFails,
		pm.coalescedTotal,
		pm.resolveDuration,
		pm.storeFetchDuration,
		pm.cacheBreakerState,
		pm.inflightFetches,
	)

	promMetrics = pm
}

// RecordResolution records one finished resolve call.
func RecordResolution(dataset, source, status string, durationMs float64) {
	global.recordResolution(source, status, durationMs)
	if promMetrics == nil {
		return
	}
	promMetrics.resolutionsTotal.WithLabelValues(dataset, source, status).Inc()
	promMetrics.resolveDuration.WithLabelValues(dataset, source).Observe(durationMs)
}

// RecordCacheProbe records a cache probe outcome.
func RecordCacheProbe(result string) {
	global.recordProbe(result)
	if promMetrics == nil {
		return
	}
	promMetrics.cacheProbesTotal.WithLabelValues(result).Inc()
}

// RecordCacheWrite records a cache populate outcome.
func RecordCacheWrite(result string) {
	global.recordWrite(result)
	if promMetrics == nil {
		return
	}
	promMetrics.cacheWritesTotal.WithLabelValues(result).Inc()
}

// RecordCacheDecodeFailure records a corrupt cached payload.
func RecordCacheDecodeFailure() {
	global.DecodeFailures.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.cacheDecodeFails.Inc()
}

// RecordCoalescedFetch records a resolve that joined another caller's fetch.
func RecordCoalescedFetch(dataset string) {
	global.Coalesced.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.coalescedTotal.WithLabelValues(dataset).Inc()
}

// RecordStoreFetch records one authoritative store fetch.
func RecordStoreFetch(driver, status string, durationMs float64) {
	global.recordFetch(status, durationMs)
	if promMetrics == nil {
		return
	}
	promMetrics.storeFetchDuration.WithLabelValues(driver, status).Observe(durationMs)
}

// IncInflightFetches marks a store fetch as started.
func IncInflightFetches() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightFetches.Inc()
}

// DecInflightFetches marks a store fetch as finished.
func DecInflightFetches() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightFetches.Dec()
}

// SetCacheBreakerState sets the breaker gauge.
func SetCacheBreakerState(state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheBreakerState.Set(float64(state))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
