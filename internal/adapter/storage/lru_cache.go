package storage

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// LRUCache is a process-local idempotency cache with a size bound and TTL.
type LRUCache struct {
	entries *expirable.LRU[string, string]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &LRUCache{entries: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) (string, bool, error) {
	id, ok := c.entries.Get(key)
	return id, ok, nil
}

func (c *LRUCache) Put(_ context.Context, key, id string) error {
	if _, ok := c.entries.Peek(key); ok {
		return nil
	}
	c.entries.Add(key, id)
	return nil
}

// LayeredCache reads the local cache first and falls back to the shared
// one, copying hits down.
type LayeredCache struct {
	local  port.IdempotencyCache
	shared port.IdempotencyCache
}

func NewLayeredCache(local, shared port.IdempotencyCache) *LayeredCache {
	return &LayeredCache{local: local, shared: shared}
}

func (c *LayeredCache) Get(ctx context.Context, key string) (string, bool, error) {
	if id, ok, err := c.local.Get(ctx, key); err == nil && ok {
		return id, true, nil
	}
	id, ok, err := c.shared.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	_ = c.local.Put(ctx, key, id)
	return id, true, nil
}

func (c *LayeredCache) Put(ctx context.Context, key, id string) error {
	if err := c.shared.Put(ctx, key, id); err != nil {
		return err
	}
	return c.local.Put(ctx, key, id)
}
