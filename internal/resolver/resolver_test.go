package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/snapcache/internal/cache"
	"github.com/oriys/snapcache/internal/catalog"
	"github.com/oriys/snapcache/internal/codec"
	"github.com/oriys/snapcache/internal/domain"
	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/pkg/clock"
	"github.com/oriys/snapcache/internal/store"
)

const key = catalog.DefaultDataset

// fakeStore counts fetches and optionally blocks until released.
type fakeStore struct {
	mu      sync.Mutex
	data    domain.Dataset
	err     error
	last    store.Query
	calls   atomic.Int64
	release chan struct{}
}

func (s *fakeStore) Fetch(ctx context.Context, q store.Query) (domain.Dataset, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", store.ErrTimeout, ctx.Err())
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func (s *fakeStore) set(data domain.Dataset, err error) {
	s.mu.Lock()
	s.data, s.err = data, err
	s.mu.Unlock()
}

// downCache fails every operation.
type downCache struct{}

var errDown = errors.New("dial tcp 10.0.0.9:6379: connect: connection refused")

func (downCache) Get(context.Context, string) ([]byte, error)              { return nil, errDown }
func (downCache) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (downCache) Delete(context.Context, string) error                     { return errDown }
func (downCache) Ping(context.Context) error                               { return errDown }
func (downCache) Close() error                                             { return nil }

func users(names ...string) domain.Dataset {
	ds := make(domain.Dataset, 0, len(names))
	for i, n := range names {
		ds = append(ds, domain.Record{
			"id":         int64(i + 1),
			"name":       n,
			"score":      float64(i) + 0.5,
			"active":     i%2 == 0,
			"created_at": time.Date(2024, 1, 1, 0, 0, i, 123456789, time.UTC),
			"avatar":     nil,
		})
	}
	return ds
}

type harness struct {
	r       *Resolver
	store   *fakeStore
	backend *cache.InMemoryCache
	clock   *clock.Fake
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	backend := cache.NewInMemoryCacheWithClock(clk)
	t.Cleanup(func() { backend.Close() })

	cat, err := catalog.New(nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	st := &fakeStore{data: users("alice", "bob")}
	cfg.Clock = clk
	r := New(cache.NewClient(backend, cache.ClientConfig{}), st, cat, cfg)
	return &harness{r: r, store: st, backend: backend, clock: clk}
}

func TestUsersSnapshotTTLScenario(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	res, err := h.r.ResolveDetailed(ctx, key, false)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if res.Source != SourceStore || h.store.calls.Load() != 1 {
		t.Fatalf("expected store read, got source=%s calls=%d", res.Source, h.store.calls.Load())
	}
	if !res.ExpiresAt.Equal(res.StoredAt.Add(90 * time.Second)) {
		t.Fatalf("expected 90s TTL, got %v", res.ExpiresAt.Sub(res.StoredAt))
	}

	h.clock.Advance(10 * time.Second)
	res, err = h.r.ResolveDetailed(ctx, key, false)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if res.Source != SourceCache || h.store.calls.Load() != 1 {
		t.Fatalf("expected cache hit at t=10s, got source=%s calls=%d", res.Source, h.store.calls.Load())
	}
	if age := res.Age(h.clock.Now()); age != 10*time.Second {
		t.Fatalf("expected age 10s, got %v", age)
	}
	if !res.Records.Equal(users("alice", "bob")) {
		t.Fatalf("cached records differ: %#v", res.Records)
	}

	h.clock.Advance(81 * time.Second)
	res, err = h.r.ResolveDetailed(ctx, key, false)
	if err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	if res.Source != SourceStore || h.store.calls.Load() != 2 {
		t.Fatalf("expected store read at t=91s, got source=%s calls=%d", res.Source, h.store.calls.Load())
	}
}

func TestHitRoundTripsTypedValues(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	first, err := h.r.Resolve(ctx, key, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := h.r.Resolve(ctx, key, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !second.Equal(first) {
		t.Fatalf("hit returned different records:\n%#v\n%#v", first, second)
	}
	if h.store.calls.Load() != 1 {
		t.Fatalf("expected a single store read, got %d", h.store.calls.Load())
	}
}

func TestBypassOverwritesEntry(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	if _, err := h.r.Resolve(ctx, key, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.store.set(users("carol"), nil)

	got, err := h.r.Resolve(ctx, key, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !got.Equal(users("carol")) || h.store.calls.Load() != 2 {
		t.Fatalf("refresh must read the store, got %#v calls=%d", got, h.store.calls.Load())
	}

	res, err := h.r.ResolveDetailed(ctx, key, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourceCache || !res.Records.Equal(users("carol")) {
		t.Fatalf("expected refreshed entry from cache, got %s %#v", res.Source, res.Records)
	}
}

func TestBypassOnEmptyCachePopulates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	if _, err := h.r.Resolve(ctx, key, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.backend.Len() != 1 {
		t.Fatalf("expected populated cache, got %d entries", h.backend.Len())
	}
}

func TestCacheUnavailableFallsBackToStore(t *testing.T) {
	cat, _ := catalog.New(nil)
	st := &fakeStore{data: users("alice")}
	r := New(cache.NewClient(downCache{}, cache.ClientConfig{}), st, cat, DefaultConfig())

	for i := 0; i < 2; i++ {
		res, err := r.ResolveDetailed(context.Background(), key, false)
		if err != nil {
			t.Fatalf("resolve must not fail on cache outage: %v", err)
		}
		if res.Source != SourceStore || !res.Records.Equal(users("alice")) {
			t.Fatalf("unexpected result %+v", res)
		}
		if !errors.Is(res.CacheErr, cache.ErrUnavailable) {
			t.Fatalf("expected absorbed cache error, got %v", res.CacheErr)
		}
	}
	if st.calls.Load() != 2 {
		t.Fatalf("expected a store read per call, got %d", st.calls.Load())
	}
}

func TestStoreFailureLeavesCacheUntouched(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store.set(nil, fmt.Errorf("%w: dial tcp: connection refused", store.ErrUnavailable))

	_, err := h.r.Resolve(ctx, key, false)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("cause lost from chain: %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Key != key || !fe.Retryable() {
		t.Fatalf("expected retryable FetchError for %s, got %#v", key, err)
	}
	if h.backend.Len() != 0 {
		t.Fatalf("failed fetch must not write the cache, got %d entries", h.backend.Len())
	}
}

func TestRefreshFailureKeepsPreviousEntry(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	if _, err := h.r.Resolve(ctx, key, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.store.set(nil, fmt.Errorf("%w: relation \"users\" does not exist", store.ErrQueryFailed))

	_, err := h.r.Resolve(ctx, key, true)
	if !errors.Is(err, ErrQueryFailed) || IsRetryable(err) {
		t.Fatalf("expected non-retryable ErrQueryFailed, got %v", err)
	}

	res, err := h.r.ResolveDetailed(ctx, key, false)
	if err != nil || res.Source != SourceCache || !res.Records.Equal(users("alice", "bob")) {
		t.Fatalf("previous entry must survive a failed refresh, got %+v %v", res, err)
	}
}

func TestNoStaleServeAfterExpiryWhenStoreDown(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	if _, err := h.r.Resolve(ctx, key, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.clock.Advance(91 * time.Second)
	h.store.set(nil, fmt.Errorf("%w: connection refused", store.ErrUnavailable))

	if _, err := h.r.Resolve(ctx, key, false); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestStoreTimeoutIsTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.set(nil, fmt.Errorf("%w: %w", store.ErrTimeout, context.DeadlineExceeded))

	_, err := h.r.Resolve(context.Background(), key, false)
	if !errors.Is(err, ErrTimeout) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrTimeout, got %v", err)
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", KindOf(err))
	}
}

func TestCorruptEntryIsOverwritten(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.backend.Set(ctx, key, []byte("not a payload"), time.Minute)

	res, err := h.r.ResolveDetailed(ctx, key, false)
	if err != nil {
		t.Fatalf("corrupt entry must not fail the call: %v", err)
	}
	if res.Source != SourceStore {
		t.Fatalf("expected store read, got %s", res.Source)
	}

	raw, err := h.backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("expected overwritten entry: %v", err)
	}
	if _, err := (codec.Codec{}).Decode(raw); err != nil {
		t.Fatalf("overwritten entry still corrupt: %v", err)
	}
}

func TestEmbeddedExpiryIsHonoured(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	// A backend that kept the entry past its TTL.
	now := h.clock.Now()
	stale, err := (codec.Codec{}).Encode(codec.Entry{
		Dataset:   users("zed"),
		StoredAt:  now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-30 * time.Second),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.backend.Set(ctx, key, stale, time.Hour)

	got, err := h.r.Resolve(ctx, key, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Equal(users("alice", "bob")) || h.store.calls.Load() != 1 {
		t.Fatalf("expired entry must be refetched, got %#v", got)
	}
}

func TestEmptyDatasetIsCached(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.set(domain.Dataset{}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := h.r.Resolve(ctx, key, false)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("expected empty dataset, got %#v", got)
		}
	}
	if h.store.calls.Load() != 1 {
		t.Fatalf("empty result should be cached, got %d store reads", h.store.calls.Load())
	}
}

func TestUnencodableValueSkipsCache(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.set(domain.Dataset{{"n": int32(1)}}, nil)

	res, err := h.r.ResolveDetailed(context.Background(), key, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.CacheErr == nil || h.backend.Len() != 0 {
		t.Fatalf("expected skipped cache write, got err=%v len=%d", res.CacheErr, h.backend.Len())
	}
}

func TestNonUTF8StringSurvivesCache(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.set(domain.Dataset{{"id": int64(1), "name": "caf\xe9"}}, nil)
	ctx := context.Background()

	if _, err := h.r.Resolve(ctx, key, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := h.r.ResolveDetailed(ctx, key, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourceCache {
		t.Fatalf("expected cache hit, got %s", res.Source)
	}
	if got := res.Records[0]["name"]; got != "caf\xe9" {
		t.Fatalf("expected %q from cache, got %q", "caf\xe9", got)
	}
}

func TestBoundQuerySurvivesCatalogChurn(t *testing.T) {
	cat, err := catalog.New([]catalog.Definition{
		{Name: "user", SQL: "SELECT * FROM users WHERE id = $1", Params: []string{"id"}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	b, err := cat.Bind("user", map[string]string{"id": "1"})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	for i := 2; i <= catalog.DefaultBoundKeys+1; i++ {
		if _, err := cat.Bind("user", map[string]string{"id": strconv.Itoa(i)}); err != nil {
			t.Fatalf("bind %d: %v", i, err)
		}
	}

	st := &fakeStore{data: users("alice")}
	backend := cache.NewInMemoryCache()
	t.Cleanup(func() { backend.Close() })
	r := New(cache.NewClient(backend, cache.ClientConfig{}), st, cat, DefaultConfig())

	res, err := r.ResolveQuery(context.Background(), b.Key, b.Query, false)
	if err != nil {
		t.Fatalf("resolve bound key after churn: %v", err)
	}
	if res.Source != SourceStore || !res.Records.Equal(users("alice")) {
		t.Fatalf("unexpected result %s %#v", res.Source, res.Records)
	}
	st.mu.Lock()
	args := st.last.Args
	st.mu.Unlock()
	if len(args) != 1 || args[0] != "1" {
		t.Fatalf("expected store query args [1], got %v", args)
	}
}

func TestUnknownKeyIsQueryFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.r.Resolve(context.Background(), "no_such_dataset", false)
	if !errors.Is(err, ErrQueryFailed) || !errors.Is(err, catalog.ErrUnknownDataset) {
		t.Fatalf("expected ErrQueryFailed wrapping ErrUnknownDataset, got %v", err)
	}
	if h.store.calls.Load() != 0 {
		t.Fatal("store must not be called for an unknown key")
	}
}

// waitRefs polls until the flight for flightKey has n waiters.
func waitRefs(t *testing.T, r *Resolver, flightKey string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		c := r.calls[flightKey]
		refs := 0
		if c != nil {
			refs = c.refs
		}
		r.mu.Unlock()
		if refs >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %q", n, flightKey)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.release = make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.r.ResolveDetailed(context.Background(), key, false)
		}(i)
	}

	waitRefs(t, h.r, key, n)
	close(h.store.release)
	wg.Wait()

	if got := h.store.calls.Load(); got != 1 {
		t.Fatalf("expected one store read, got %d", got)
	}
	coalesced := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].Records.Equal(users("alice", "bob")) {
			t.Fatalf("caller %d got %#v", i, results[i].Records)
		}
		if results[i].Coalesced {
			coalesced++
		}
	}
	if coalesced != n-1 {
		t.Fatalf("expected %d coalesced callers, got %d", n-1, coalesced)
	}
}

func TestRefreshDoesNotJoinPlainFetch(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.release = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.r.Resolve(context.Background(), key, false)
	}()
	waitRefs(t, h.r, key, 1)
	go func() {
		defer wg.Done()
		h.r.Resolve(context.Background(), key, true)
	}()
	waitRefs(t, h.r, "refresh\x00"+key, 1)

	close(h.store.release)
	wg.Wait()
	if got := h.store.calls.Load(); got != 2 {
		t.Fatalf("refresh must issue its own read, got %d reads", got)
	}
}

func TestCallerDeadlineIsTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.release = make(chan struct{})
	defer close(h.store.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.r.Resolve(ctx, key, false)
	if !errors.Is(err, ErrTimeout) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("resolve did not honour the caller deadline")
	}

	// The abandoned fetch observes cancellation and writes nothing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.r.mu.Lock()
		pending := len(h.r.calls)
		h.r.mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if h.backend.Len() != 0 {
		t.Fatalf("abandoned fetch must not populate the cache, got %d entries", h.backend.Len())
	}
}

func TestExpiredContextFailsFast(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.r.Resolve(ctx, key, false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if h.store.calls.Load() != 0 {
		t.Fatal("store must not be called with an expired context")
	}
}

func TestWaiterTimeoutDoesNotCancelSharedFetch(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.r.Resolve(context.Background(), key, false)
		done <- err
	}()
	waitRefs(t, h.r, key, 1)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.r.Resolve(short, key, false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout for the impatient caller, got %v", err)
	}

	close(h.store.release)
	if err := <-done; err != nil {
		t.Fatalf("patient caller failed: %v", err)
	}
	if h.backend.Len() != 1 {
		t.Fatalf("shared fetch should have populated the cache")
	}
}

func TestAbandonedFlightIsNotJoined(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.release = make(chan struct{})

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.r.Resolve(short, key, false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	done := make(chan Result, 1)
	go func() {
		res, err := h.r.ResolveDetailed(context.Background(), key, false)
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		done <- res
	}()
	waitRefs(t, h.r, key, 1)
	close(h.store.release)

	res := <-done
	if res.Coalesced {
		t.Fatal("a caller arriving after the flight was abandoned must not be coalesced")
	}
	if got := h.store.calls.Load(); got != 2 {
		t.Fatalf("expected a fresh store read, got %d reads", got)
	}
}

func TestEachCallOwnsItsFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.r.mu.Lock()
	first, _ := h.r.joinLocked(context.Background(), key)
	h.r.mu.Unlock()
	h.r.finish(key, first)

	// Arrives after finish but possibly before singleflight retires the
	// finished flight.
	h.r.mu.Lock()
	second, joined := h.r.joinLocked(context.Background(), key)
	h.r.mu.Unlock()

	if joined {
		t.Fatal("a finished call must not be joined")
	}
	if first.flight == second.flight {
		t.Fatalf("calls share flight key %q", first.flight)
	}
	h.r.leave(key, second)
	h.r.leave(key, first)
}

func TestSingleFlightDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingleFlight = false
	h := newHarness(t, cfg)

	if _, err := h.r.Resolve(context.Background(), key, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := h.r.Resolve(context.Background(), key, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.store.calls.Load() != 1 {
		t.Fatalf("expected cache hit on second call, got %d reads", h.store.calls.Load())
	}
}

func TestResolutionLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Log = logging.NewLogger(&buf)
	h := newHarness(t, cfg)

	ctx := logging.WithRequestID(context.Background(), "req-42")
	h.r.Resolve(ctx, key, false)
	h.r.Resolve(ctx, key, false)

	out := buf.String()
	if strings.Count(out, "req-42") != 2 {
		t.Fatalf("expected two log lines, got %q", out)
	}
	if !strings.Contains(out, " store ") || !strings.Contains(out, " cache ") {
		t.Fatalf("expected store then cache sources, got %q", out)
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{Kind: KindQueryFailed, Key: "users_snapshot", Err: errors.New("syntax error")}
	if got := err.Error(); got != "resolve users_snapshot: query_failed: syntax error" {
		t.Fatalf("unexpected message %q", got)
	}
	if Kind(0).String() != "unknown" {
		t.Fatal("zero kind should be unknown")
	}
}
