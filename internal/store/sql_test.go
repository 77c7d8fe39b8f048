package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/snapcache/internal/domain"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Driver = DriverSQLite
	cfg.Database = filepath.Join(t.TempDir(), "users.db")

	s, err := OpenSQLStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenSQLStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().Exec(`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		score REAL,
		active BOOLEAN,
		avatar BLOB,
		created_at DATETIME
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return s
}

func TestSQLStoreFetchNormalizesTypes(t *testing.T) {
	s := openTestSQLite(t)
	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	_, err := s.DB().Exec(`INSERT INTO users (id, name, score, active, avatar, created_at) VALUES
		(1, 'alice', 9.5, 1, x'0102', ?),
		(2, 'bob', NULL, 0, NULL, NULL)`, created)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ds, err := s.Fetch(context.Background(), Query{SQL: "SELECT id, name, score, active, avatar, created_at FROM users ORDER BY id"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	want := domain.Dataset{
		{"id": int64(1), "name": "alice", "score": 9.5, "active": true, "avatar": []byte{1, 2}, "created_at": created},
		{"id": int64(2), "name": "bob", "score": nil, "active": false, "avatar": nil, "created_at": nil},
	}
	if !ds.Equal(want) {
		t.Fatalf("unexpected dataset:\n got %#v\nwant %#v", ds, want)
	}
	for _, rec := range ds {
		for col, v := range rec {
			if err := domain.CheckValue(v); err != nil {
				t.Fatalf("column %s: %v", col, err)
			}
		}
	}
}

func TestSQLStoreEmptyResultIsEmptyDataset(t *testing.T) {
	s := openTestSQLite(t)
	ds, err := s.Fetch(context.Background(), Query{SQL: "SELECT * FROM users"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if ds == nil || len(ds) != 0 {
		t.Fatalf("expected empty non-nil dataset, got %#v", ds)
	}
}

func TestSQLStoreMaxRowsAndArgs(t *testing.T) {
	s := openTestSQLite(t)
	for i := 1; i <= 20; i++ {
		if _, err := s.DB().Exec(`INSERT INTO users (id, name) VALUES (?, ?)`, i, "user"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	ds, err := s.Fetch(context.Background(), Query{SQL: "SELECT id FROM users ORDER BY id", MaxRows: 10})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(ds) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(ds))
	}

	ds, err = s.Fetch(context.Background(), Query{SQL: "SELECT id FROM users WHERE id > ?", Args: []any{18}})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(ds))
	}
}

func TestSQLStoreUnknownTableIsQueryFailed(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.Fetch(context.Background(), Query{SQL: "SELECT * FROM missing_table"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
}

func TestSQLStoreClosedIsUnavailable(t *testing.T) {
	s := openTestSQLite(t)
	s.Close()
	if _, err := s.Fetch(context.Background(), Query{SQL: "SELECT 1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Ping, got %v", err)
	}
}

func TestSQLStoreCancelledContextIsTimeout(t *testing.T) {
	s := openTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Fetch(ctx, Query{SQL: "SELECT * FROM users"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestOpenSQLiteMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = DriverSQLite
	cfg.Database = ":memory:"

	st, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()
	s := st.(*SQLStore)

	if _, err := s.DB().Exec(`CREATE TABLE users (id INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO users VALUES (7)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A second pooled connection would see an empty database.
	ds, err := s.Fetch(context.Background(), Query{SQL: "SELECT * FROM users"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(ds) != 1 || ds[0]["id"] != int64(7) {
		t.Fatalf("unexpected dataset %#v", ds)
	}
	if st.Driver() != DriverSQLite {
		t.Fatalf("unexpected driver %s", st.Driver())
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
