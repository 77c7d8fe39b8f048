// Package ratelimit throttles refresh requests, each of which forces a
// store query, with token buckets kept in Redis or in process.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oriys/snapcache/internal/pkg/clock"
)

// Backend performs one atomic token bucket check.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// Config describes one bucket shape.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Enabled reports whether cfg describes a usable bucket.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

// Limiter applies a single bucket shape to many keys.
type Limiter struct {
	backend Backend
	cfg     Config
	clock   clock.Clock
}

// New creates a new rate limiter
func New(backend Backend, cfg Config) *Limiter {
	return &Limiter{backend: backend, cfg: cfg, clock: clock.Real{}}
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a request is allowed for the given key
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed
func (l *Limiter) AllowN(ctx context.Context, key string, n int) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.cfg.Burst, l.cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	// Calculate when bucket will be full again
	tokensNeeded := float64(l.cfg.Burst - remaining)
	refill := time.Duration(math.Ceil(tokensNeeded / l.cfg.RequestsPerSecond * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   l.clock.Now().Add(refill),
	}, nil
}

// KeyForRefresh returns the bucket key for refresh requests from a client.
func KeyForRefresh(ip string) string {
	return "refresh:" + ip
}
