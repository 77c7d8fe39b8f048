package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/pkg/clock"
)

// recoveryInterval is the minimum gap between attempts to reach the primary
// while degraded.
const recoveryInterval = 5 * time.Second

// FallbackBackend checks buckets against primary and switches to per-process
// buckets when primary fails. While degraded it retries primary in the
// background at most once per recoveryInterval.
type FallbackBackend struct {
	primary  Backend
	local    *LocalTokenBucketBackend
	clock    clock.Clock
	degraded atomic.Bool
	probing  sync.Mutex
	lastTry  atomic.Int64 // unix nanos
}

// NewFallbackBackend wraps primary with a local fallback.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	return NewFallbackBackendWithClock(primary, nil)
}

// NewFallbackBackendWithClock is NewFallbackBackend with an explicit clock.
func NewFallbackBackendWithClock(primary Backend, clk clock.Clock) *FallbackBackend {
	clk = clock.OrReal(clk)
	return &FallbackBackend{
		primary: primary,
		local:   NewLocalTokenBucketBackendWithClock(clk),
		clock:   clk,
	}
}

func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if !f.degraded.Load() {
		allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
		if err == nil {
			return allowed, remaining, nil
		}
		if ctx.Err() != nil {
			return false, 0, err
		}
		logging.For(ctx).Warn("refresh limiter lost its shared backend, using local buckets", "error", err)
		f.lastTry.Store(f.clock.Now().UnixNano())
		f.degraded.Store(true)
	} else if f.clock.Now().Sub(time.Unix(0, f.lastTry.Load())) >= recoveryInterval {
		go f.tryRecover()
	}
	return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
}

// tryRecover asks primary for zero tokens; success ends degraded mode.
func (f *FallbackBackend) tryRecover() {
	if !f.probing.TryLock() {
		return
	}
	defer f.probing.Unlock()
	f.lastTry.Store(f.clock.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := f.primary.CheckRateLimit(ctx, "probe:health", 1, 1, 0); err != nil {
		return
	}
	f.degraded.Store(false)
	logging.Op().Info("refresh limiter shared backend reachable again")
}

// Degraded reports whether checks are currently served locally.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalTokenBucketBackend keeps buckets in process memory.
type LocalTokenBucketBackend struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	at     time.Time
}

// refill tops b up for the time elapsed since its last update.
func (b *bucket) refill(now time.Time, burst int, rate float64) {
	if dt := now.Sub(b.at).Seconds(); dt > 0 {
		b.tokens = math.Min(float64(burst), b.tokens+dt*rate)
		b.at = now
	}
}

// NewLocalTokenBucketBackend uses the wall clock.
func NewLocalTokenBucketBackend() *LocalTokenBucketBackend {
	return NewLocalTokenBucketBackendWithClock(nil)
}

// NewLocalTokenBucketBackendWithClock uses clk for refill timing.
func NewLocalTokenBucketBackendWithClock(clk clock.Clock) *LocalTokenBucketBackend {
	return &LocalTokenBucketBackend{
		clock:   clock.OrReal(clk),
		buckets: make(map[string]*bucket),
	}
}

func (l *LocalTokenBucketBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(maxTokens), at: now}
		l.buckets[key] = b
	}
	b.refill(now, maxTokens, refillRate)

	if b.tokens < float64(requested) {
		return false, int(b.tokens), nil
	}
	b.tokens -= float64(requested)
	return true, int(b.tokens), nil
}
