package storage

import (
	"context"
	"testing"
	"time"
)

func TestLRUCache_KeepsFirstBinding(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10, time.Minute)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss")
	}
	_ = c.Put(ctx, "k", "a")
	_ = c.Put(ctx, "k", "b")

	id, ok, _ := c.Get(ctx, "k")
	if !ok || id != "a" {
		t.Errorf("expected a, got %q ok=%v", id, ok)
	}
}

func TestLRUCache_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2, time.Minute)
	_ = c.Put(ctx, "k1", "1")
	_ = c.Put(ctx, "k2", "2")
	_ = c.Put(ctx, "k3", "3")

	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Error("k1 should have been evicted")
	}
	if _, ok, _ := c.Get(ctx, "k3"); !ok {
		t.Error("k3 should be present")
	}
}

func TestLayeredCache_CopiesSharedHitsDown(t *testing.T) {
	ctx := context.Background()
	local := NewLRUCache(10, time.Minute)
	shared := NewLRUCache(10, time.Minute)
	layered := NewLayeredCache(local, shared)

	_ = shared.Put(ctx, "k", "id-1")
	id, ok, err := layered.Get(ctx, "k")
	if err != nil || !ok || id != "id-1" {
		t.Fatalf("expected id-1, got %q ok=%v err=%v", id, ok, err)
	}
	if id, ok, _ := local.Get(ctx, "k"); !ok || id != "id-1" {
		t.Errorf("local cache not populated, got %q ok=%v", id, ok)
	}

	_ = layered.Put(ctx, "k2", "id-2")
	if _, ok, _ := shared.Get(ctx, "k2"); !ok {
		t.Error("put did not reach shared cache")
	}
}
