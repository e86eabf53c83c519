package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

const (
	reservationKeyPrefix = "idem:reservation:"
	orderKeyPrefix       = "idem:order:"
)

// IdempotencyGuard resolves idempotency keys to the entity they created.
// The cache is optional; the store's unique key decides every race.
type IdempotencyGuard struct {
	store port.Store
	cache port.IdempotencyCache
	log   *zap.Logger
}

func NewIdempotencyGuard(store port.Store, cache port.IdempotencyCache, log *zap.Logger) *IdempotencyGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdempotencyGuard{store: store, cache: cache, log: log}
}

// LookupReservation returns the reservation bound to key, or nil.
func (g *IdempotencyGuard) LookupReservation(ctx context.Context, key string) (*domain.Reservation, error) {
	if id, ok := g.cached(ctx, reservationKeyPrefix+key); ok {
		r, err := g.store.GetReservation(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	r, err := g.store.FindReservationByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Remember(ctx, reservationKeyPrefix+key, r.ID)
	return r, nil
}

// LookupOrder returns the order bound to key, or nil.
func (g *IdempotencyGuard) LookupOrder(ctx context.Context, key string) (*domain.Order, error) {
	if id, ok := g.cached(ctx, orderKeyPrefix+key); ok {
		o, err := g.store.GetOrder(ctx, id)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	o, err := g.store.FindOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Remember(ctx, orderKeyPrefix+key, o.ID)
	return o, nil
}

// ReplayReservation applies the replay rule for reservation creation: an
// ACTIVE reservation is handed back, anything else burns the key.
func (g *IdempotencyGuard) ReplayReservation(ctx context.Context, userID, key string) (*domain.Reservation, error) {
	r, err := g.LookupReservation(ctx, key)
	if err != nil || r == nil {
		return nil, err
	}
	if r.UserID != userID || r.Status != domain.ReservationStatusActive {
		return nil, domain.ErrIdempotencyKeyReused
	}
	return r, nil
}

// ReplayOrder hands back a PENDING_PAYMENT order created with key.
func (g *IdempotencyGuard) ReplayOrder(ctx context.Context, userID, key string) (*domain.Order, error) {
	o, err := g.LookupOrder(ctx, key)
	if err != nil || o == nil {
		return nil, err
	}
	if o.UserID != userID || o.Status != domain.OrderStatusPendingPayment {
		return nil, domain.ErrIdempotencyKeyReused
	}
	return o, nil
}

func (g *IdempotencyGuard) rememberReservation(ctx context.Context, r *domain.Reservation) {
	if r.IdempotencyKey != "" {
		g.Remember(ctx, reservationKeyPrefix+r.IdempotencyKey, r.ID)
	}
}

func (g *IdempotencyGuard) rememberOrder(ctx context.Context, o *domain.Order) {
	if o.IdempotencyKey != "" {
		g.Remember(ctx, orderKeyPrefix+o.IdempotencyKey, o.ID)
	}
}

// Remember caches key -> id. Cache failures are logged and ignored.
func (g *IdempotencyGuard) Remember(ctx context.Context, key, id string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Put(ctx, key, id); err != nil {
		g.log.Warn("idempotency cache put failed", zap.String("key", key), zap.Error(err))
	}
}

func (g *IdempotencyGuard) cached(ctx context.Context, key string) (string, bool) {
	if g.cache == nil {
		return "", false
	}
	id, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.log.Warn("idempotency cache get failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return id, ok
}
