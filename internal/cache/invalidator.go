package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/snapcache/internal/logging"
)

// InvalidationChannel is the Redis Pub/Sub channel that carries overwrite
// notices. When a refresh replaces an entry, the writing process publishes
// the key; every other subscribed process drops it from its L1 tier so the
// next read fetches the new entry from L2.
const InvalidationChannel = "snapcache:cache:invalidate"

// Invalidator publishes and consumes overwrite notices for a local cache
// tier. Messages are "<origin>|<key>"; a process ignores its own notices.
type Invalidator struct {
	local  Cache
	client *redis.Client
	origin string

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator that evicts keys from local.
func NewInvalidator(local Cache, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
		origin: uuid.NewString(),
	}
}

// Start listens for notices until ctx is cancelled or Close is called.
func (iv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	iv.mu.Lock()
	if iv.closed {
		iv.mu.Unlock()
		cancel()
		return
	}
	iv.cancel = cancel
	iv.mu.Unlock()

	pubsub := iv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			iv.handle(subCtx, msg.Payload)
		}
	}
}

func (iv *Invalidator) handle(ctx context.Context, payload string) {
	origin, key, ok := strings.Cut(payload, "|")
	if !ok || origin == iv.origin || key == "" {
		return
	}
	if err := iv.local.Delete(ctx, key); err != nil {
		logging.Op().Warn("l1 invalidation failed", "key", key, "error", err)
	}
}

// Publish announces that key was overwritten.
func (iv *Invalidator) Publish(ctx context.Context, key string) error {
	return iv.client.Publish(ctx, InvalidationChannel, iv.origin+"|"+key).Err()
}

// Close stops the listener.
func (iv *Invalidator) Close() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.closed {
		return nil
	}
	iv.closed = true
	if iv.cancel != nil {
		iv.cancel()
	}
	return nil
}
