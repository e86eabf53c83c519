package storage

import (
	"context"
	"hash/fnv"
	"sync"
)

const lockShards = 64

// rowLocks is a sharded map of per-row mutexes. Each lock is a one-slot
// channel so waiting can be abandoned when the context ends.
type rowLocks struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (l *rowLocks) slot(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := &l.shards[h.Sum32()%lockShards]

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.locks == nil {
		shard.locks = make(map[string]chan struct{})
	}
	ch, ok := shard.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		shard.locks[key] = ch
	}
	return ch
}

// acquire blocks until key is free or ctx is done.
func (l *rowLocks) acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
