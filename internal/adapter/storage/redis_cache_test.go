package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisCache_GetMissing(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	cache := NewRedisCache(client, time.Minute)
	_, ok, err := cache.Get(context.Background(), "idem:test:"+uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected miss")
	}
}

func TestRedisCache_FirstWriterWins(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	cache := NewRedisCache(client, time.Minute)
	key := "idem:test:" + uuid.NewString()
	defer client.Del(ctx, key)

	var wg sync.WaitGroup
	var errs atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := cache.Put(ctx, key, uuid.NewString()); err != nil {
				errs.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if errs.Load() != 0 {
		t.Fatalf("%d puts failed", errs.Load())
	}

	first, ok, err := cache.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if err := cache.Put(ctx, key, "other"); err != nil {
		t.Fatal(err)
	}
	again, _, _ := cache.Get(ctx, key)
	if again != first {
		t.Errorf("binding changed from %s to %s", first, again)
	}

	ttl := client.TTL(ctx, key).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected ttl %v", ttl)
	}
}
