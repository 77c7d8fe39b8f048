// Package cache holds the best-effort key-value tier in front of the
// authoritative store. Backends (in-memory, Redis, tiered) implement Cache;
// Client wraps a backend with per-operation timeouts and a circuit breaker and
// reports probe outcomes as an explicit Hit/Miss/Unavailable result.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by backends when a key does not exist or has expired.
	ErrNotFound = errors.New("cache: key not found")

	// ErrUnavailable wraps every backend failure surfaced by Client.
	ErrUnavailable = errors.New("cache unavailable")
)

// Cache abstracts a key-value backend with TTL support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL, replacing any existing entry.
	// A zero TTL means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the backend.
	Close() error
}
