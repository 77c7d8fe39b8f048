package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/snapcache/internal/domain"
)

// PostgresStore reads from PostgreSQL through a pgx pool. Each fetch
// acquires its own connection and releases it before returning.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	closed       atomic.Bool
}

func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	dsn, err := cfg.DataSource()
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool, queryTimeout: cfg.QueryTimeout}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Driver() string {
	return DriverPostgres
}

func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil || s.closed.Load() {
		return fmt.Errorf("%w: postgres not initialized", ErrUnavailable)
	}
	if err := s.pool.Ping(ctx); err != nil {
		return classify(ctx, stageConnect, err)
	}
	return nil
}

// Fetch runs q and returns every row as a record.
func (s *PostgresStore) Fetch(ctx context.Context, q Query) (domain.Dataset, error) {
	return instrument(ctx, DriverPostgres, q, func(ctx context.Context) (domain.Dataset, error) {
		if s.closed.Load() {
			return nil, fmt.Errorf("%w: pool closed", ErrUnavailable)
		}

		ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
		defer cancel()

		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, classify(ctx, stageConnect, err)
		}
		defer conn.Release()

		rows, err := conn.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, classify(ctx, stageQuery, err)
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		cols := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = f.Name
		}

		ds := make(domain.Dataset, 0)
		for rows.Next() {
			if q.MaxRows > 0 && len(ds) >= q.MaxRows {
				break
			}
			vals, err := rows.Values()
			if err != nil {
				return nil, classify(ctx, stageQuery, err)
			}
			rec := make(domain.Record, len(cols))
			for i, v := range vals {
				nv, err := normalizeValue(v)
				if err != nil {
					return nil, fmt.Errorf("%w: column %q: %v", ErrQueryFailed, cols[i], err)
				}
				rec[cols[i]] = nv
			}
			ds = append(ds, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, classify(ctx, stageQuery, err)
		}
		return ds, nil
	})
}
