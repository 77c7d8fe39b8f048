package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/snapcache/internal/cache"
	"github.com/oriys/snapcache/internal/catalog"
	"github.com/oriys/snapcache/internal/circuitbreaker"
	"github.com/oriys/snapcache/internal/codec"
	"github.com/oriys/snapcache/internal/config"
	"github.com/oriys/snapcache/internal/health"
	"github.com/oriys/snapcache/internal/logging"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/ratelimit"
	"github.com/oriys/snapcache/internal/resolver"
	"github.com/oriys/snapcache/internal/store"
)

// loadConfig reads the config file, applies environment and flag overrides,
// and configures operational logging.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if logLevel != "" {
		cfg.Observability.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Observability.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	return cfg, nil
}

// app holds the wired components for one process.
type app struct {
	cfg      *config.Config
	store    store.Store
	cache    *cache.Client
	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	log      *logging.Logger
	checker  *health.Checker
	limiter  *ratelimit.Limiter

	stopInvalidator context.CancelFunc
}

// newApp connects to the store and cache and builds the resolver. The cache
// is not pinged: an unreachable cache only degrades latency.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	cat, err := catalog.New(cfg.Datasets)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, iv, rdb := newCacheClient(cfg.Cache)

	var console io.Writer
	if cfg.Observability.Logging.Console {
		console = os.Stderr
	}
	resLog := logging.NewLogger(console)
	if path := cfg.Observability.Logging.ResolutionLog; path != "" {
		if err := resLog.SetOutput(path); err != nil {
			client.Close()
			st.Close()
			return nil, fmt.Errorf("open resolution log: %w", err)
		}
	}

	a := &app{
		cfg:     cfg,
		store:   st,
		cache:   client,
		catalog: cat,
		log:     resLog,
		resolver: resolver.New(client, st, cat, resolver.Config{
			TTL:          cfg.Cache.TTL,
			SingleFlight: cfg.Cache.SingleFlight,
			Codec:        codec.Codec{CompressThreshold: cfg.Cache.CompressThreshold},
			Log:          resLog,
		}),
		checker: health.NewChecker(st, client, health.DefaultTimeout).
			WithBreaker(func() string { return client.BreakerState().String() }),
	}

	if rl := cfg.Daemon.RefreshLimit; rl.Enabled {
		var backend ratelimit.Backend = ratelimit.NewLocalTokenBucketBackend()
		if rdb != nil {
			backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(rdb, cfg.Cache.KeyPrefix+"rl:"))
		}
		a.limiter = ratelimit.New(backend, ratelimit.Config{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
		})
	}

	if iv != nil {
		ivCtx, cancel := context.WithCancel(context.Background())
		a.stopInvalidator = cancel
		go iv.Start(ivCtx)
	}
	return a, nil
}

// newCacheClient builds the configured backend behind a cache.Client. The
// Redis client is returned for components that share the connection.
func newCacheClient(cfg config.CacheConfig) (*cache.Client, *cache.Invalidator, *redis.Client) {
	var (
		backend cache.Cache
		iv      *cache.Invalidator
		rdb     *redis.Client
	)
	switch cfg.Backend {
	case config.BackendRedis:
		rc := cache.NewRedisCache(cfg.Redis())
		backend, rdb = rc, rc.Client()
	case config.BackendTiered:
		l2 := cache.NewRedisCache(cfg.Redis())
		tc := cache.NewTieredCache(cache.NewInMemoryCache(), l2, cfg.L1TTL)
		backend, rdb = tc, l2.Client()
		if cfg.Invalidation {
			iv = cache.NewInvalidator(tc.L1(), rdb)
		}
	default:
		backend = cache.NewInMemoryCache()
	}

	var breaker *circuitbreaker.Breaker
	if bc := cfg.BreakerSettings(); bc.Enabled() {
		bc.OnStateChange = func(s circuitbreaker.State) {
			metrics.SetCacheBreakerState(int(s))
			logging.Op().Warn("cache circuit breaker state changed", "state", s.String())
		}
		breaker = circuitbreaker.New(bc)
	}

	client := cache.NewClient(backend, cache.ClientConfig{
		OpTimeout:   cfg.OpTimeout,
		Breaker:     breaker,
		Invalidator: iv,
	})
	return client, iv, rdb
}

// Close releases every connection.
func (a *app) Close() {
	if a.stopInvalidator != nil {
		a.stopInvalidator()
	}
	if err := a.cache.Close(); err != nil {
		logging.Op().Warn("close cache", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logging.Op().Warn("close store", "error", err)
	}
	a.log.Close()
}

// parseParams turns repeated k=v flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

// oneShotCacheWarning explains why a single-process command run against the
// memory backend never sees a cache hit. It is empty for shared backends.
func oneShotCacheWarning(cfg config.CacheConfig) string {
	if cfg.Backend != config.BackendMemory {
		return ""
	}
	return "warning: cache.backend is memory; entries do not outlive this process, " +
		"so every get reads from the store. Set cache.backend to redis or tiered to share the cache."
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func newTabWriter(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func joinOrDash(list []string) string {
	if len(list) == 0 {
		return "-"
	}
	return strings.Join(list, ",")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
