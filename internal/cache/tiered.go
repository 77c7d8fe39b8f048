package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultL1TTL bounds how long a process serves its local copy of an entry.
const DefaultL1TTL = 10 * time.Second

// TieredCache puts a process-local L1 in front of a shared L2. Reads fill
// L1 from L2; writes go to L2 first and then L1. An overwrite made by a peer
// becomes visible here within the L1 TTL, or immediately when an Invalidator
// is running.
type TieredCache struct {
	local  Cache
	shared Cache
	l1TTL  time.Duration
}

// NewTieredCache layers l1 over l2. A non-positive l1TTL means DefaultL1TTL.
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	if l1TTL <= 0 {
		l1TTL = DefaultL1TTL
	}
	return &TieredCache{local: l1, shared: l2, l1TTL: l1TTL}
}

// L1 returns the local tier.
func (t *TieredCache) L1() Cache { return t.local }

// Get serves from L1 when it can. Only L2's answer (hit, miss or failure)
// is reported otherwise; L1 errors are treated as misses.
func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := t.local.Get(ctx, key); err == nil {
		return v, nil
	}
	v, err := t.shared.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = t.local.Set(ctx, key, v, t.l1TTL)
	return v, nil
}

// Set never leaves a local-only entry: if the L2 write fails the L1 copy of
// key is dropped too.
func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.shared.Set(ctx, key, value, ttl); err != nil {
		_ = t.local.Delete(ctx, key)
		return err
	}
	localTTL := t.l1TTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	return t.local.Set(ctx, key, value, localTTL)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	return errors.Join(t.local.Delete(ctx, key), t.shared.Delete(ctx, key))
}

// Ping reports the shared tier; the local tier cannot fail.
func (t *TieredCache) Ping(ctx context.Context) error {
	return t.shared.Ping(ctx)
}

func (t *TieredCache) Close() error {
	return errors.Join(t.local.Close(), t.shared.Close())
}
