package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/snapcache/internal/pkg/clock"
)

func TestLocalBucketRefill(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewLocalTokenBucketBackendWithClock(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := b.CheckRateLimit(ctx, "k", 3, 1, 1); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ok, remaining, _ := b.CheckRateLimit(ctx, "k", 3, 1, 1); ok || remaining != 0 {
		t.Fatalf("expected denial with 0 remaining, got ok=%v remaining=%d", ok, remaining)
	}

	clk.Advance(time.Second)
	if ok, _, _ := b.CheckRateLimit(ctx, "k", 3, 1, 1); !ok {
		t.Fatal("one token should have refilled")
	}
	if ok, _, _ := b.CheckRateLimit(ctx, "other", 3, 1, 1); !ok {
		t.Fatal("buckets are per key")
	}
}

type failingBackend struct{ calls int }

func (f *failingBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	f.calls++
	return false, 0, errors.New("connection refused")
}

func TestFallbackDegradesToLocal(t *testing.T) {
	primary := &failingBackend{}
	fb := NewFallbackBackend(primary)

	ok, _, err := fb.CheckRateLimit(context.Background(), "k", 2, 1, 1)
	if err != nil || !ok {
		t.Fatalf("expected local allow, got ok=%v err=%v", ok, err)
	}
	if !fb.Degraded() {
		t.Fatal("expected degraded mode after primary error")
	}
	fb.CheckRateLimit(context.Background(), "k", 2, 1, 1)
	if primary.calls != 1 {
		t.Fatalf("degraded backend should not hit primary on every call, got %d calls", primary.calls)
	}
}

func TestLimiterResetAt(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	l := New(NewLocalTokenBucketBackendWithClock(clk), Config{RequestsPerSecond: 0.5, Burst: 2})
	l.clock = clk

	res, err := l.Allow(context.Background(), "k")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if want := clk.Now().Add(2 * time.Second); !res.ResetAt.Equal(want) {
		t.Fatalf("expected reset at %v, got %v", want, res.ResetAt)
	}
}

func TestRefreshMiddleware(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	l := New(NewLocalTokenBucketBackendWithClock(clk), Config{RequestsPerSecond: 1, Burst: 1})
	l.clock = clk

	var served int
	h := RefreshMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
	}))

	get := func(target, ip string) int {
		req := httptest.NewRequest("GET", target, nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := get("/datasets/users_snapshot?refresh=true", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("first refresh: expected 200, got %d", code)
	}
	if code := get("/datasets/users_snapshot?refresh=true", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("second refresh: expected 429, got %d", code)
	}
	if code := get("/datasets/users_snapshot?refresh=true", "10.0.0.2"); code != http.StatusOK {
		t.Fatalf("other client: expected 200, got %d", code)
	}
	for i := 0; i < 5; i++ {
		if code := get("/datasets/users_snapshot", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("plain read %d: expected 200, got %d", i, code)
		}
	}
	if served != 7 {
		t.Fatalf("expected 7 requests served, got %d", served)
	}

	clk.Advance(time.Second)
	if code := get("/datasets/users_snapshot?refresh=1", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("refresh after refill: expected 200, got %d", code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:5555"
	if got := getClientIP(req); got != "::1" {
		t.Fatalf("expected ::1, got %s", got)
	}
	req.Header.Set("X-Real-IP", "192.0.2.7")
	if got := getClientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected X-Real-IP, got %s", got)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	if got := getClientIP(req); got != "198.51.100.1" {
		t.Fatalf("expected first forwarded ip, got %s", got)
	}
}

type switchBackend struct {
	down bool
}

func (s *switchBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	if s.down {
		return false, 0, errors.New("connection refused")
	}
	return true, 9, nil
}

func TestFallbackRecovers(t *testing.T) {
	primary := &switchBackend{down: true}
	fb := NewFallbackBackendWithClock(primary, clock.NewFake(time.Unix(1000, 0)))

	fb.CheckRateLimit(context.Background(), "k", 2, 1, 1)
	if !fb.Degraded() {
		t.Fatal("expected degraded mode")
	}

	primary.down = false
	fb.tryRecover()
	if fb.Degraded() {
		t.Fatal("expected recovery once primary answers")
	}
	if _, remaining, _ := fb.CheckRateLimit(context.Background(), "k", 2, 1, 1); remaining != 9 {
		t.Fatalf("expected primary answer after recovery, got remaining=%d", remaining)
	}
}
