package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces refresh buckets away from cached datasets.
const DefaultRedisPrefix = "snapcache:rl:"

// refreshBucket refills and drains one bucket stored as a hash. Time comes
// from the Redis server so that every snapcache process agrees on it.
//
// KEYS[1] bucket key
// ARGV[1] burst, ARGV[2] tokens per second, ARGV[3] tokens requested
// Returns {allowed (0|1), tokens left (floored)}.
var refreshBucket = redis.NewScript(`
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local want = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

if now > ts then
  tokens = math.min(burst, tokens + (now - ts) / 1000000 * rate)
end

local ok = 0
if tokens >= want then
  tokens = tokens - want
  ok = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
local idle = math.max(60, math.ceil(burst / rate) * 2)
redis.call("EXPIRE", KEYS[1], idle)

return {ok, math.floor(tokens)}
`)

// RedisBackend keeps buckets in Redis so that refresh limits hold across
// every process sharing the deployment.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend stores buckets under prefix, or DefaultRedisPrefix when
// prefix is empty.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	} else if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	vals, err := refreshBucket.Run(ctx, b.client, []string{b.prefix + key}, maxTokens, refillRate, requested).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis bucket %s: %w", key, err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("redis bucket %s: unexpected reply %v", key, vals)
	}
	return vals[0] == 1, int(vals[1]), nil
}
