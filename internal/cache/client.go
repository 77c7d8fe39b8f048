package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/snapcache/internal/circuitbreaker"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/observability"
)

// Status is the outcome of a cache probe.
type Status int

const (
	Miss        Status = iota // key absent or expired
	Hit                       // value present
	Unavailable               // backend failed, timed out, or breaker open
)

func (s Status) String() string {
	switch s {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Lookup is the tri-state result of Client.Probe. Value is set only for Hit,
// Err only for Unavailable (and always wraps ErrUnavailable).
type Lookup struct {
	Status Status
	Value  []byte
	Err    error
}

// DefaultOpTimeout bounds a single cache operation.
const DefaultOpTimeout = 5 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// OpTimeout bounds every probe and write (default: DefaultOpTimeout).
	OpTimeout time.Duration
	// Breaker short-circuits operations while the backend is failing. Optional.
	Breaker *circuitbreaker.Breaker
	// Invalidator broadcasts overwrites to peer L1 tiers. Optional.
	Invalidator *Invalidator
}

// Client is the coordinator-facing view of a cache backend. It never returns
// a backend error as-is: probes report Unavailable, writes return an error
// wrapping ErrUnavailable.
type Client struct {
	backend     Cache
	opTimeout   time.Duration
	breaker     *circuitbreaker.Breaker
	invalidator *Invalidator
}

// NewClient wraps backend.
func NewClient(backend Cache, cfg ClientConfig) *Client {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &Client{
		backend:     backend,
		opTimeout:   timeout,
		breaker:     cfg.Breaker,
		invalidator: cfg.Invalidator,
	}
}

// Probe looks up key.
func (c *Client) Probe(ctx context.Context, key string) Lookup {
	ctx, span := observability.StartSpan(ctx, "cache.probe", observability.AttrCacheKey.String(key))
	defer span.End()

	if c.breaker != nil && !c.breaker.Allow() {
		metrics.RecordCacheProbe("short_circuit")
		err := fmt.Errorf("%w: circuit open", ErrUnavailable)
		observability.SetSpanError(span, err)
		return Lookup{Status: Unavailable, Err: err}
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.backend.Get(opCtx, key)
	switch {
	case err == nil:
		c.recordOutcome(ctx, nil)
		metrics.RecordCacheProbe("hit")
		observability.SetSpanOK(span)
		return Lookup{Status: Hit, Value: val}
	case errors.Is(err, ErrNotFound):
		c.recordOutcome(ctx, nil)
		metrics.RecordCacheProbe("miss")
		observability.SetSpanOK(span)
		return Lookup{Status: Miss}
	default:
		c.recordOutcome(ctx, err)
		metrics.RecordCacheProbe("unavailable")
		wrapped := fmt.Errorf("%w: %v", ErrUnavailable, err)
		observability.SetSpanError(span, wrapped)
		return Lookup{Status: Unavailable, Err: wrapped}
	}
}

// Populate stores value under key with ttl, replacing any existing entry.
func (c *Client) Populate(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.breaker != nil && !c.breaker.Allow() {
		metrics.RecordCacheWrite("short_circuit")
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.backend.Set(opCtx, key, value, ttl); err != nil {
		c.recordOutcome(ctx, err)
		metrics.RecordCacheWrite("error")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.recordOutcome(ctx, nil)
	metrics.RecordCacheWrite("ok")
	return nil
}

// AnnounceOverwrite tells peer processes that key was replaced so they drop
// their local copy. It is a no-op without an Invalidator.
func (c *Client) AnnounceOverwrite(ctx context.Context, key string) error {
	if c.invalidator == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.invalidator.Publish(opCtx, key); err != nil {
		return fmt.Errorf("%w: publish invalidation: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping checks the backend, bypassing the breaker.
func (c *Client) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.backend.Ping(opCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// BreakerState reports the breaker state, or closed when there is none.
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

// Close releases the backend and stops the invalidator.
func (c *Client) Close() error {
	if c.invalidator != nil {
		_ = c.invalidator.Close()
	}
	return c.backend.Close()
}

// recordOutcome feeds the breaker. Failures caused by the caller's own
// cancellation say nothing about backend health and are not counted.
func (c *Client) recordOutcome(ctx context.Context, err error) {
	if c.breaker == nil {
		return
	}
	if err == nil {
		c.breaker.RecordSuccess()
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.breaker.RecordFailure()
}
