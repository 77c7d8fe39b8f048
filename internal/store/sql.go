package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oriys/snapcache/internal/domain"
)

// SQLStore reads through database/sql. It backs the mysql and sqlite3
// drivers.
type SQLStore struct {
	db           *sql.DB
	driver       string
	queryTimeout time.Duration
	closed       atomic.Bool
}

// OpenSQLStore opens a database/sql pool for cfg and pings it.
func OpenSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	dsn, err := cfg.DataSource()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	maxConns := cfg.MaxConns
	if cfg.Driver == DriverSQLite && isSQLiteMemory(dsn) {
		// Every connection to :memory: opens a separate database.
		maxConns = 1
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}

	s := NewSQLStore(db, cfg.Driver, cfg.QueryTimeout)
	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := s.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already opened pool.
func NewSQLStore(db *sql.DB, driver string, queryTimeout time.Duration) *SQLStore {
	return &SQLStore{db: db, driver: driver, queryTimeout: queryTimeout}
}

func isSQLiteMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Driver() string {
	return s.driver
}

func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %s pool closed", ErrUnavailable, s.driver)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return classify(ctx, stageConnect, err)
	}
	return nil
}

// Fetch runs q on a dedicated connection and returns every row as a record.
func (s *SQLStore) Fetch(ctx context.Context, q Query) (domain.Dataset, error) {
	return instrument(ctx, s.driver, q, func(ctx context.Context) (domain.Dataset, error) {
		if s.closed.Load() {
			return nil, fmt.Errorf("%w: %s pool closed", ErrUnavailable, s.driver)
		}

		ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
		defer cancel()

		conn, err := s.db.Conn(ctx)
		if err != nil {
			return nil, classify(ctx, stageConnect, err)
		}
		defer conn.Close()

		rows, err := conn.QueryContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, classify(ctx, stageQuery, err)
		}
		defer rows.Close()

		colTypes, err := rows.ColumnTypes()
		if err != nil {
			return nil, classify(ctx, stageQuery, err)
		}
		cols := make([]string, len(colTypes))
		typeNames := make([]string, len(colTypes))
		for i, ct := range colTypes {
			cols[i] = ct.Name()
			typeNames[i] = strings.ToUpper(ct.DatabaseTypeName())
		}

		ds := make(domain.Dataset, 0)
		for rows.Next() {
			if q.MaxRows > 0 && len(ds) >= q.MaxRows {
				break
			}
			raw := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range raw {
				ptrs[i] = &raw[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, classify(ctx, stageQuery, err)
			}
			rec := make(domain.Record, len(cols))
			for i, v := range raw {
				nv, err := normalizeSQLValue(typeNames[i], v)
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
