package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/rl1809/flash-sale-settlement/internal/adapter/storage"
	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache down")
}

func (brokenCache) Put(context.Context, string, string) error {
	return errors.New("cache down")
}

func TestIdempotencyGuard_SurvivesCacheOutage(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "sku-1", 10, "1.00")
	guard := NewIdempotencyGuard(env.store, brokenCache{}, zaptest.NewLogger(t))
	reservations := NewReservationService(env.store, guard, nil, WithClock(env.clock.Now))
	ctx := context.Background()
	items := []domain.ItemRequest{{ProductID: "sku-1", Quantity: 1}}

	first, err := reservations.Create(ctx, "user-1", items, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := reservations.Create(ctx, "user-1", items, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("expected replay of %s, got %s", first.ID, again.ID)
	}
}

func TestIdempotencyGuard_StaleCacheFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "sku-1", 10, "1.00")
	cache := storage.NewLRUCache(10, 0)
	guard := NewIdempotencyGuard(env.store, cache, zaptest.NewLogger(t))
	ctx := context.Background()

	r, err := NewReservationService(env.store, guard, nil).Create(ctx, "user-1",
		[]domain.ItemRequest{{ProductID: "sku-1", Quantity: 1}}, "key-1")
	if err != nil {
		t.Fatal(err)
	}

	stale := storage.NewLRUCache(10, 0)
	_ = stale.Put(ctx, reservationKeyPrefix+"key-1", "gone")
	got, err := NewIdempotencyGuard(env.store, stale, nil).LookupReservation(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != r.ID {
		t.Errorf("expected %s from store, got %+v", r.ID, got)
	}
}
