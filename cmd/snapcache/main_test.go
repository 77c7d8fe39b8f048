package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oriys/snapcache/internal/config"
	"github.com/oriys/snapcache/internal/resolver"
	"github.com/oriys/snapcache/internal/store"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
		INSERT INTO users (name) VALUES ('ada'), ('grace'), ('linus');`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	cfg := config.DefaultConfig()
	cfg.Store.Driver = store.DriverSQLite
	cfg.Store.Database = path
	cfg.Observability.Logging.Console = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAppResolvesDefaultDataset(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	first, err := a.resolver.ResolveDetailed(ctx, "users_snapshot", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Source != resolver.SourceStore || len(first.Records) != 3 {
		t.Fatalf("expected 3 rows from store, got %s/%d", first.Source, len(first.Records))
	}

	second, err := a.resolver.ResolveDetailed(ctx, "users_snapshot", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Source != resolver.SourceCache || !second.Records.Equal(first.Records) {
		t.Fatalf("expected identical rows from cache, got %s", second.Source)
	}

	if r := a.checker.Check(ctx); !r.Ready() {
		t.Fatalf("expected ready, got %+v", r)
	}
}

func TestRunBench(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	b, err := a.catalog.Bind("users_snapshot", nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	report := runBench(ctx, a.resolver, b, 40, 8, false)
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures %v", report.Failures)
	}
	if got := report.Sources["cache"] + report.Sources["store"]; got != 40 {
		t.Fatalf("expected 40 resolves, got %d", got)
	}

	warm := runBench(ctx, a.resolver, b, 20, 4, false)
	if warm.Sources["cache"] != 20 {
		t.Fatalf("expected all cache hits on a warm entry, got %v", warm.Sources)
	}

	forced := runBench(ctx, a.resolver, b, 5, 1, true)
	if forced.Sources["store"] != 5 {
		t.Fatalf("refresh must always reach the store, got %v", forced.Sources)
	}
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"id=42", "region=eu=west"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if p["id"] != "42" || p["region"] != "eu=west" {
		t.Fatalf("unexpected params %v", p)
	}
	for _, bad := range []string{"noequals", "=v"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestOneShotCacheWarning(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.Backend = config.BackendMemory
	if w := oneShotCacheWarning(cfg.Cache); !strings.Contains(w, "memory") {
		t.Fatalf("expected a warning for the memory backend, got %q", w)
	}
	for _, b := range []string{config.BackendRedis, config.BackendTiered} {
		cfg.Cache.Backend = b
		if w := oneShotCacheWarning(cfg.Cache); w != "" {
			t.Fatalf("unexpected warning for %s: %q", b, w)
		}
	}
}
