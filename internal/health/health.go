// Package health reports whether the store and cache are reachable.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/snapcache/internal/metrics"
)

// Overall statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// DefaultTimeout bounds a full check.
const DefaultTimeout = 2 * time.Second

// Pinger is anything that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is the result of pinging one dependency.
type Component struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is a point-in-time view of every dependency.
type Report struct {
	Status        string               `json:"status"`
	Components    map[string]Component `json:"components"`
	CacheBreaker  string               `json:"cache_breaker,omitempty"`
	UptimeSeconds int64                `json:"uptime_seconds"`
}

// Ready reports whether the service can answer requests. A cache outage only
// degrades the service since every resolve falls back to the store.
func (r Report) Ready() bool {
	return r.Status != StatusNotReady
}

// Checker pings the store and the cache concurrently.
type Checker struct {
	store   Pinger
	cache   Pinger
	breaker func() string
	timeout time.Duration
}

// NewChecker creates a checker. cache may be nil.
func NewChecker(store, cache Pinger, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{store: store, cache: cache, timeout: timeout}
}

// WithBreaker attaches a reporter for the cache breaker state.
func (c *Checker) WithBreaker(state func() string) *Checker {
	c.breaker = state
	return c
}

// Check pings every dependency and summarizes the result.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		components = make(map[string]Component, 2)
	)
	ping := func(name string, p Pinger) func() error {
		return func() error {
			start := time.Now()
			err := p.Ping(ctx)
			comp := Component{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				comp.Error = err.Error()
			}
			mu.Lock()
			components[name] = comp
			mu.Unlock()
			return nil
		}
	}

	var g errgroup.Group
	g.Go(ping("store", c.store))
	if c.cache != nil {
		g.Go(ping("cache", c.cache))
	}
	_ = g.Wait()

	report := Report{
		Status:        StatusOK,
		Components:    components,
		UptimeSeconds: int64(time.Since(metrics.StartTime()).Seconds()),
	}
	if c.breaker != nil {
		report.CacheBreaker = c.breaker()
	}
	switch {
	case !components["store"].Healthy:
		report.Status = StatusNotReady
	case c.cache != nil && !components["cache"].Healthy:
		report.Status = StatusDegraded
	}
	return report
}
