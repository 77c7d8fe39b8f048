package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "snapcache:"

// RedisCache implements Cache on Redis or ElastiCache.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisCacheConfig holds configuration for the Redis cache.
type RedisCacheConfig struct {
	Host          string        // Redis host (e.g. "localhost" or an ElastiCache endpoint)
	Port          int           // Redis port (default: 6379)
	Password      string        // Redis password
	DB            int           // Redis database number
	TLS           bool          // Use TLS (required by ElastiCache serverless)
	TLSSkipVerify bool          // Skip certificate verification (local testing only)
	KeyPrefix     string        // Key prefix for namespacing (default: "snapcache:")
	DialTimeout   time.Duration // Connection timeout (default: 5s)
	OpTimeout     time.Duration // Socket read/write timeout (default: 5s)
	PoolSize      int           // Max connections (0 = go-redis default)
}

// Addr returns host:port.
func (c RedisCacheConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// NewRedisCache creates a new Redis-backed cache. No connection is made until
// the first command; use Ping to verify reachability.
func NewRedisCache(cfg RedisCacheConfig) *RedisCache {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	op := cfg.OpTimeout
	if op <= 0 {
		op = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dial,
		ReadTimeout:  op,
		WriteTimeout: op,
		PoolSize:     cfg.PoolSize,
		// The cache is best-effort; a failed command is reported, not retried.
		MaxRetries: -1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}
	return NewRedisCacheFromClient(redis.NewClient(opts), cfg.KeyPrefix)
}

// NewRedisCacheFromClient creates a Redis cache using an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

// Client exposes the underlying client for pub/sub.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
