package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects in-process counters for the /stats endpoint. The
// Prometheus collectors in prometheus.go mirror the same events.
type Metrics struct {
	// Resolution metrics
	TotalResolutions  atomic.Int64
	CacheResolutions  atomic.Int64
	StoreResolutions  atomic.Int64
	FailedResolutions atomic.Int64

	// Cache metrics
	ProbeHits         atomic.Int64
	ProbeMisses       atomic.Int64
	ProbeUnavailable  atomic.Int64
	ProbeShortCircuit atomic.Int64
	WritesOK          atomic.Int64
	WritesFailed      atomic.Int64
	DecodeFailures    atomic.Int64

	// Store metrics
	StoreFetches  atomic.Int64
	StoreFailures atomic.Int64
	Coalesced     atomic.Int64

	latency   *LatencyTracker
	startTime time.Time
}

// Global metrics instance
var global = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{
		latency:   NewLatencyTracker(0.01),
		startTime: time.Now(),
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// Latency returns the quantile tracker behind the counters.
func (m *Metrics) Latency() *LatencyTracker {
	return m.latency
}

func (m *Metrics) recordResolution(source, status string, durationMs float64) {
	m.TotalResolutions.Add(1)
	if status != "ok" {
		m.FailedResolutions.Add(1)
		m.latency.RecordMillis("resolve.error", durationMs)
		return
	}
	switch source {
	case "cache":
		m.CacheResolutions.Add(1)
	case "store":
		m.StoreResolutions.Add(1)
	}
	m.latency.RecordMillis("resolve."+source, durationMs)
}

func (m *Metrics) recordProbe(result string) {
	switch result {
	case "hit":
		m.ProbeHits.Add(1)
	case "miss":
		m.ProbeMisses.Add(1)
	case "unavailable":
		m.ProbeUnavailable.Add(1)
	case "short_circuit":
		m.ProbeShortCircuit.Add(1)
	}
}

func (m *Metrics) recordWrite(result string) {
	if result == "ok" {
		m.WritesOK.Add(1)
		return
	}
	m.WritesFailed.Add(1)
}

func (m *Metrics) recordFetch(status string, durationMs float64) {
	m.StoreFetches.Add(1)
	if status != "ok" {
		m.StoreFailures.Add(1)
	}
	m.latency.RecordMillis("store.fetch", durationMs)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	probes := m.ProbeHits.Load() + m.ProbeMisses.Load()
	hitRatio := float64(0)
	if probes > 0 {
		hitRatio = float64(m.ProbeHits.Load()) / float64(probes)
	}

	latency := make(map[string]interface{})
	for _, s := range m.latency.GetAllStats() {
		latency[s.Operation] = map[string]interface{}{
			"count": s.Count,
			"min":   s.Min,
			"p50":   s.P50,
			"p90":   s.P90,
			"p99":   s.P99,
			"max":   s.Max,
		}
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"resolutions": map[string]interface{}{
			"total":  m.TotalResolutions.Load(),
			"cache":  m.CacheResolutions.Load(),
			"store":  m.StoreResolutions.Load(),
			"failed": m.FailedResolutions.Load(),
		},
		"cache": map[string]interface{}{
			"hits":            m.ProbeHits.Load(),
			"misses":          m.ProbeMisses.Load(),
			"unavailable":     m.ProbeUnavailable.Load(),
			"short_circuit":   m.ProbeShortCircuit.Load(),
			"hit_ratio":       hitRatio,
			"writes_ok":       m.WritesOK.Load(),
			"writes_failed":   m.WritesFailed.Load(),
			"decode_failures": m.DecodeFailures.Load(),
		},
		"store": map[string]interface{}{
			"fetches":   m.StoreFetches.Load(),
			"failures":  m.StoreFailures.Load(),
			"coalesced": m.Coalesced.Load(),
		},
		"latency_ms": latency,
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
