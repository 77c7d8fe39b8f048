package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/snapcache/internal/cache"
	"github.com/oriys/snapcache/internal/catalog"
	"github.com/oriys/snapcache/internal/circuitbreaker"
	"github.com/oriys/snapcache/internal/observability"
	"github.com/oriys/snapcache/internal/store"
)

// Cache backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendTiered = "tiered"
)

// BreakerConfig holds cache circuit breaker settings
type BreakerConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	ErrorPct     float64       `json:"error_pct" yaml:"error_pct"`
	MinRequests  int           `json:"min_requests" yaml:"min_requests"`
	Window       time.Duration `json:"window" yaml:"window"`
	OpenDuration time.Duration `json:"open_duration" yaml:"open_duration"`
}

// CacheConfig holds cache backend and entry settings
type CacheConfig struct {
	Backend       string        `json:"backend" yaml:"backend"`
	Host          string        `json:"host" yaml:"host"`
	Port          int           `json:"port,omitempty" yaml:"port,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	DB            int           `json:"db,omitempty" yaml:"db,omitempty"`
	TLS           bool          `json:"tls,omitempty" yaml:"tls,omitempty"`
	TLSSkipVerify bool          `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
	KeyPrefix     string        `json:"key_prefix" yaml:"key_prefix"`
	DialTimeout   time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	OpTimeout     time.Duration `json:"op_timeout" yaml:"op_timeout"`
	PoolSize      int           `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`

	TTL               time.Duration `json:"ttl" yaml:"ttl"`
	SingleFlight      bool          `json:"single_flight" yaml:"single_flight"`
	CompressThreshold int           `json:"compress_threshold" yaml:"compress_threshold"`

	// Tiered backend only.
	L1TTL        time.Duration `json:"l1_ttl" yaml:"l1_ttl"`
	Invalidation bool          `json:"invalidation" yaml:"invalidation"`

	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// Redis returns the Redis client settings.
func (c CacheConfig) Redis() cache.RedisCacheConfig {
	return cache.RedisCacheConfig{
		Host:          c.Host,
		Port:          c.Port,
		Password:      c.Password,
		DB:            c.DB,
		TLS:           c.TLS,
		TLSSkipVerify: c.TLSSkipVerify,
		KeyPrefix:     c.KeyPrefix,
		DialTimeout:   c.DialTimeout,
		OpTimeout:     c.OpTimeout,
		PoolSize:      c.PoolSize,
	}
}

// BreakerSettings returns the breaker settings, or a zero Config when disabled.
func (c CacheConfig) BreakerSettings() circuitbreaker.Config {
	if !c.Breaker.Enabled {
		return circuitbreaker.Config{}
	}
	return circuitbreaker.Config{
		ErrorPct:       c.Breaker.ErrorPct,
		MinRequests:    c.Breaker.MinRequests,
		WindowDuration: c.Breaker.Window,
		OpenDuration:   c.Breaker.OpenDuration,
	}
}

// RefreshLimitConfig throttles refresh requests per client
type RefreshLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr        string             `json:"http_addr" yaml:"http_addr"`
	GRPCAddr        string             `json:"grpc_addr,omitempty" yaml:"grpc_addr,omitempty"`
	RequestTimeout  time.Duration      `json:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration      `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	RefreshLimit    RefreshLimitConfig `json:"refresh_limit" yaml:"refresh_limit"`
}

// LoggingConfig holds operational and resolution log settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
	// ResolutionLog is a JSON-lines file receiving one entry per resolve.
	ResolutionLog string `json:"resolution_log,omitempty" yaml:"resolution_log,omitempty"`
	Console       bool   `json:"console" yaml:"console"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets,omitempty" yaml:"histogram_buckets,omitempty"`
}

// ObservabilityConfig groups logging, tracing and metrics
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// Telemetry returns the tracing settings in the form observability.Init takes.
func (o ObservabilityConfig) Telemetry() observability.Config {
	return observability.Config{
		Enabled:     o.Tracing.Enabled,
		Exporter:    o.Tracing.Exporter,
		Endpoint:    o.Tracing.Endpoint,
		Insecure:    o.Tracing.Insecure,
		ServiceName: o.Tracing.ServiceName,
		SampleRate:  o.Tracing.SampleRate,
	}
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Store         store.Config         `json:"store" yaml:"store"`
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	Datasets      []catalog.Definition `json:"datasets,omitempty" yaml:"datasets,omitempty"`
	Daemon        DaemonConfig         `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig  `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: store.DefaultConfig(),
		Cache: CacheConfig{
			Backend:           BackendMemory,
			Host:              "localhost",
			KeyPrefix:         "snapcache:",
			DialTimeout:       5 * time.Second,
			OpTimeout:         5 * time.Second,
			TTL:               90 * time.Second,
			SingleFlight:      true,
			CompressThreshold: 1024,
			L1TTL:             cache.DefaultL1TTL,
			Invalidation:      true,
			Breaker: BreakerConfig{
				Enabled:      true,
				ErrorPct:     50,
				MinRequests:  5,
				Window:       30 * time.Second,
				OpenDuration: 10 * time.Second,
			},
		},
		Datasets: []catalog.Definition{catalog.Default()},
		Daemon: DaemonConfig{
			HTTPAddr:        ":8080",
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RefreshLimit: RefreshLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 1,
				Burst:             5,
			},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:   "info",
				Format:  "text",
				Console: true,
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				Insecure:    true,
				ServiceName: "snapcache",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "snapcache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, or JSON when the path
// ends in .json. Missing fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SNAPCACHE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SNAPCACHE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SNAPCACHE_STORE_HOST"); v != "" {
		cfg.Store.Host = v
	}
	if v, ok := envInt("SNAPCACHE_STORE_PORT"); ok {
		cfg.Store.Port = v
	}
	if v := os.Getenv("SNAPCACHE_STORE_USER"); v != "" {
		cfg.Store.User = v
	}
	if v := os.Getenv("SNAPCACHE_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("SNAPCACHE_STORE_DATABASE"); v != "" {
		cfg.Store.Database = v
	}
	if v, ok := envBool("SNAPCACHE_STORE_TLS"); ok {
		cfg.Store.TLS = v
	}
	if v, ok := envDuration("SNAPCACHE_STORE_QUERY_TIMEOUT"); ok {
		cfg.Store.QueryTimeout = v
	}

	if v := os.Getenv("SNAPCACHE_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("SNAPCACHE_CACHE_HOST"); v != "" {
		cfg.Cache.Host = v
	}
	if v, ok := envInt("SNAPCACHE_CACHE_PORT"); ok {
		cfg.Cache.Port = v
	}
	if v := os.Getenv("SNAPCACHE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v, ok := envBool("SNAPCACHE_CACHE_TLS"); ok {
		cfg.Cache.TLS = v
	}
	if v, ok := envDuration("SNAPCACHE_CACHE_TTL"); ok {
		cfg.Cache.TTL = v
	}
	if v, ok := envBool("SNAPCACHE_CACHE_SINGLE_FLIGHT"); ok {
		cfg.Cache.SingleFlight = v
	}

	if v := os.Getenv("SNAPCACHE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("SNAPCACHE_GRPC_ADDR"); v != "" {
		cfg.Daemon.GRPCAddr = v
	}
	if v := os.Getenv("SNAPCACHE_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("SNAPCACHE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("SNAPCACHE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Cache.Backend {
	case BackendRedis, BackendTiered:
		if c.Cache.Host == "" {
			errs = append(errs, fmt.Errorf("cache.host is required for the %s backend", c.Cache.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be one of redis, memory, tiered (got %q)", c.Cache.Backend))
	}
	if rl := c.Daemon.RefreshLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		errs = append(errs, fmt.Errorf("daemon.refresh_limit needs positive requests_per_second and burst"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}
	if c.Cache.OpTimeout < 0 || c.Cache.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("cache timeouts must not be negative"))
	}
	if b := c.Cache.Breaker; b.Enabled && !c.Cache.BreakerSettings().Enabled() {
		errs = append(errs, fmt.Errorf("cache.breaker needs positive error_pct, window and open_duration"))
	} else if b.Enabled && b.ErrorPct > 100 {
		errs = append(errs, fmt.Errorf("cache.breaker.error_pct must be at most 100"))
	}

	if _, err := catalog.New(c.Datasets); err != nil {
		errs = append(errs, fmt.Errorf("datasets: %w", err))
	}

	switch c.Observability.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("observability.logging.format must be text or json"))
	}
	if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
