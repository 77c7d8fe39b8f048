package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/snapcache/internal/domain"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/observability"
)

var (
	// ErrUnavailable means the store could not be reached: refused or
	// dropped connections, authentication failures, a closed pool.
	ErrUnavailable = errors.New("store unavailable")
	// ErrQueryFailed means the store was reached but rejected the query.
	ErrQueryFailed = errors.New("query failed")
	// ErrTimeout means the query timeout or the caller's deadline elapsed.
	ErrTimeout = errors.New("store timeout")
)

// Query is one parameterized read. Args use the driver's placeholder style
// ($1 for postgres, ? for mysql and sqlite3).
type Query struct {
	SQL  string
	Args []any
	// MaxRows stops reading after this many rows. Zero means no limit.
	MaxRows int
}

// Fetcher performs a single read against the authoritative store.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) (domain.Dataset, error)
}

// Store is a Fetcher with a connection lifecycle.
type Store interface {
	Fetcher
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}

// Open connects to the store described by cfg and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg)
	case DriverMySQL, DriverSQLite:
		return OpenSQLStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

// instrument wraps one fetch with a span, metrics and error classification.
func instrument(ctx context.Context, driver string, q Query, fetch func(ctx context.Context) (domain.Dataset, error)) (domain.Dataset, error) {
	ctx, span := observability.StartClientSpan(ctx, "store.fetch",
		observability.AttrDriver.String(driver),
	)
	defer span.End()

	metrics.IncInflightFetches()
	defer metrics.DecInflightFetches()

	start := time.Now()
	ds, err := fetch(ctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		metrics.RecordStoreFetch(driver, statusOf(err), elapsed)
		observability.SetSpanError(span, err)
		return nil, err
	}
	metrics.RecordStoreFetch(driver, "ok", elapsed)
	span.SetAttributes(observability.AttrRowCount.Int(len(ds)))
	observability.SetSpanOK(span)
	return ds, nil
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "query_failed"
	}
}

// withQueryTimeout bounds ctx by d when d is positive.
func withQueryTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
