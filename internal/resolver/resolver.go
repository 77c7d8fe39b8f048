// Package resolver serves datasets cache-aside: probe the cache, fall back
// to the store on a miss, and repopulate the cache with a fixed TTL.
package resolver

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/snapcache/internal/cache"
	"github.com/oriys/snapcache/internal/codec"
	"github.com/oriys/snapcache/internal/domain"
	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/observability"
	"github.com/oriys/snapcache/internal/pkg/clock"
	"github.com/oriys/snapcache/internal/store"
)

// DefaultTTL is how long a populated entry stays valid.
const DefaultTTL = 90 * time.Second

// Source says where a resolved dataset came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceStore Source = "store"
)

// Querier maps a cache key to the store query that produces it.
type Querier interface {
	Query(key string) (store.Query, error)
}

// Config configures a Resolver.
type Config struct {
	// TTL of populated entries (default: DefaultTTL).
	TTL time.Duration
	// SingleFlight coalesces concurrent store fetches for the same key.
	SingleFlight bool
	Clock        clock.Clock
	Codec        codec.Codec
	// Log receives one line per Resolve call. Optional.
	Log *logging.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, SingleFlight: true}
}

// Result is a resolved dataset with its provenance.
type Result struct {
	Key       string
	Dataset   string
	Records   domain.Dataset
	Source    Source
	StoredAt  time.Time
	ExpiresAt time.Time
	// Coalesced is set when the store fetch was shared with another caller.
	Coalesced bool
	// CacheErr is the absorbed cache failure, if any.
	CacheErr error
}

// Age is how long ago the records were read from the store.
func (r Result) Age(now time.Time) time.Duration {
	if r.StoredAt.IsZero() {
		return 0
	}
	return now.Sub(r.StoredAt)
}

// Resolver is the cache-aside coordinator. It is safe for concurrent use.
// Records handed to coalesced callers are shared and must not be mutated.
type Resolver struct {
	cache   *cache.Client
	store   store.Fetcher
	queries Querier

	ttl          time.Duration
	singleFlight bool
	clock        clock.Clock
	codec        codec.Codec
	log          *logging.Logger

	flights singleflight.Group
	mu      sync.Mutex
	calls   map[string]*call
	gen     uint64
}

// call tracks the callers waiting on one shared fetch. Its context is
// cancelled once the last of them gives up. Each call owns a distinct
// singleflight key, so a finished or abandoned flight is never joined.
type call struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
	flight string
}

// New builds a Resolver.
func New(c *cache.Client, f store.Fetcher, q Querier, cfg Config) *Resolver {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		cache:        c,
		store:        f,
		queries:      q,
		ttl:          ttl,
		singleFlight: cfg.SingleFlight,
		clock:        clock.OrReal(cfg.Clock),
		codec:        cfg.Codec,
		log:          cfg.Log,
		calls:        make(map[string]*call),
	}
}

// TTL returns the configured entry lifetime.
func (r *Resolver) TTL() time.Duration {
	return r.ttl
}

// Resolve returns the dataset for key. With bypass set the cache is not
// consulted and a successful fetch overwrites the cached entry.
func (r *Resolver) Resolve(ctx context.Context, key string, bypass bool) (domain.Dataset, error) {
	res, err := r.ResolveDetailed(ctx, key, bypass)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// ResolveDetailed is Resolve with provenance. The store query is looked up
// from key.
func (r *Resolver) ResolveDetailed(ctx context.Context, key string, bypass bool) (Result, error) {
	return r.resolveDetailed(ctx, key, nil, bypass)
}

// ResolveQuery is ResolveDetailed for a key whose store query the caller
// already holds, typically from catalog.Bind.
func (r *Resolver) ResolveQuery(ctx context.Context, key string, q store.Query, bypass bool) (Result, error) {
	return r.resolveDetailed(ctx, key, &q, bypass)
}

func (r *Resolver) resolveDetailed(ctx context.Context, key string, q *store.Query, bypass bool) (Result, error) {
	dataset := datasetOf(key)
	ctx, span := observability.StartSpan(ctx, "resolver.resolve",
		observability.AttrCacheKey.String(key),
		observability.AttrDataset.String(dataset),
		observability.AttrRefresh.Bool(bypass),
	)
	defer span.End()

	start := time.Now()
	res, err := r.resolve(ctx, key, q, bypass)
	res.Key = key
	res.Dataset = dataset
	elapsed := time.Since(start)

	status, source := "ok", string(res.Source)
	if err != nil {
		status, source = KindOf(err).String(), "none"
		observability.SetSpanError(span, err)
	} else {
		span.SetAttributes(
			observability.AttrSource.String(string(res.Source)),
			observability.AttrCoalesced.Bool(res.Coalesced),
			observability.AttrRowCount.Int(len(res.Records)),
		)
		observability.SetSpanOK(span)
	}
	metrics.RecordResolution(dataset, source, status, float64(elapsed.Microseconds())/1000.0)
	r.logResolution(ctx, res, bypass, elapsed, err)

	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, key string, q *store.Query, bypass bool) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, timeoutError(ctx, key)
	}

	var cacheErr error
	if !bypass {
		l := r.cache.Probe(ctx, key)
		switch l.Status {
		case cache.Hit:
			entry, err := r.codec.Decode(l.Value)
			switch {
			case err != nil:
				metrics.RecordCacheDecodeFailure()
				logging.For(ctx).Warn("discarding undecodable cache entry", "key", key, "error", err)
			case entry.Expired(r.clock.Now()):
				logging.For(ctx).Debug("cached entry past its expiry", "key", key, "expires_at", entry.ExpiresAt)
			default:
				return Result{
					Records:   entry.Dataset,
					Source:    SourceCache,
					StoredAt:  entry.StoredAt,
					ExpiresAt: entry.ExpiresAt,
				}, nil
			}
		case cache.Unavailable:
			if ctx.Err() != nil {
				return Result{}, timeoutError(ctx, key)
			}
			cacheErr = l.Err
			logging.For(ctx).Warn("cache unavailable, reading from store", "key", key, "error", l.Err)
		}
	}

	res, err := r.fetch(ctx, key, q, bypass)
	if err != nil {
		return Result{}, err
	}
	if res.CacheErr == nil {
		res.CacheErr = cacheErr
	}
	return res, nil
}

// fetch reads key from the store, sharing the read with concurrent callers
// when single-flight is on. Refreshes use their own flight so a refresh
// never returns data read before it was issued.
func (r *Resolver) fetch(ctx context.Context, key string, q *store.Query, bypass bool) (Result, error) {
	if !r.singleFlight {
		res, err := r.load(ctx, key, q, bypass)
		if err != nil && ctx.Err() != nil {
			return Result{}, timeoutError(ctx, key)
		}
		return res, err
	}

	flightKey := key
	if bypass {
		flightKey = "refresh\x00" + key
	}

	// Registering and joining the flight under one lock keeps finish from
	// retiring a call between the two steps.
	r.mu.Lock()
	c, joined := r.joinLocked(ctx, flightKey)
	ch := r.flights.DoChan(c.flight, func() (any, error) {
		defer r.finish(flightKey, c)
		return r.load(c.ctx, key, q, bypass)
	})
	r.mu.Unlock()

	select {
	case out := <-ch:
		r.leave(flightKey, c)
		if out.Err != nil {
			if ctx.Err() != nil {
				return Result{}, timeoutError(ctx, key)
			}
			return Result{}, out.Err
		}
		res := out.Val.(Result)
		if joined {
			res.Coalesced = true
			metrics.RecordCoalescedFetch(datasetOf(key))
		}
		return res, nil
	case <-ctx.Done():
		r.leave(flightKey, c)
		return Result{}, timeoutError(ctx, key)
	}
}

// joinLocked registers the caller on the flight for flightKey. joined
// reports whether another caller was already waiting. r.mu must be held.
func (r *Resolver) joinLocked(ctx context.Context, flightKey string) (c *call, joined bool) {
	c, ok := r.calls[flightKey]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.gen++
		c = &call{ctx: fctx, cancel: cancel, flight: flightKey + "\x00" + strconv.FormatUint(r.gen, 10)}
		r.calls[flightKey] = c
	}
	c.refs++
	return c, ok
}

func (r *Resolver) leave(flightKey string, c *call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.refs--
	if c.refs <= 0 {
		c.cancel()
		if r.calls[flightKey] == c {
			delete(r.calls, flightKey)
		}
	}
}

// finish unregisters a completed flight so later callers start a new one.
func (r *Resolver) finish(flightKey string, c *call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[flightKey] == c {
		delete(r.calls, flightKey)
	}
}

// load fetches key from the store and populates the cache. A nil q is
// looked up through the Querier.
func (r *Resolver) load(ctx context.Context, key string, q *store.Query, bypass bool) (Result, error) {
	if q == nil {
		bound, err := r.queries.Query(key)
		if err != nil {
			return Result{}, &FetchError{Kind: KindQueryFailed, Key: key, Err: err}
		}
		q = &bound
	}

	records, err := r.store.Fetch(ctx, *q)
	if err != nil {
		fe := classify(key, err)
		logging.For(ctx).Error("store fetch failed", "key", key, "kind", fe.Kind.String(), "error", err)
		return Result{}, fe
	}

	now := r.clock.Now()
	entry := codec.Entry{Dataset: records, StoredAt: now, ExpiresAt: now.Add(r.ttl)}
	res := Result{
		Records:   records,
		Source:    SourceStore,
		StoredAt:  entry.StoredAt,
		ExpiresAt: entry.ExpiresAt,
	}

	payload, err := r.codec.Encode(entry)
	if err != nil {
		logging.For(ctx).Error("cannot encode dataset for cache", "key", key, "error", err)
		res.CacheErr = err
		return res, nil
	}
	if ctx.Err() != nil {
		// Every waiting caller has gone; the write is abandoned.
		return res, nil
	}
	if err := r.cache.Populate(ctx, key, payload, r.ttl); err != nil {
		logging.For(ctx).Warn("cache write failed", "key", key, "error", err)
		res.CacheErr = err
		return res, nil
	}
	if bypass {
		if err := r.cache.AnnounceOverwrite(ctx, key); err != nil {
			logging.For(ctx).Warn("invalidation broadcast failed", "key", key, "error", err)
		}
	}
	return res, nil
}

func (r *Resolver) logResolution(ctx context.Context, res Result, bypass bool, elapsed time.Duration, err error) {
	if r.log == nil {
		return
	}
	entry := &logging.ResolutionLog{
		RequestID:  logging.RequestID(ctx),
		TraceID:    observability.GetTraceID(ctx),
		Dataset:    res.Dataset,
		Key:        res.Key,
		Source:     string(res.Source),
		Refresh:    bypass,
		Coalesced:  res.Coalesced,
		Rows:       len(res.Records),
		DurationMs: elapsed.Milliseconds(),
		Success:    err == nil,
	}
	if err == nil && res.Source == SourceCache {
		entry.AgeMs = res.Age(r.clock.Now()).Milliseconds()
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if res.CacheErr != nil {
		entry.CacheError = res.CacheErr.Error()
	}
	r.log.Log(entry)
}

func datasetOf(key string) string {
	name, _, _ := strings.Cut(key, ":")
	return name
}
