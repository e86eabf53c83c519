package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// Sweeper periodically expires lapsed reservations and unpaid orders through
// the same paths the manual cancel flows use.
type Sweeper struct {
	store        port.Store
	reservations *ReservationService
	orders       *OrderService
	cfg          settings
}

// SweepStats counts the outcome of one pass.
type SweepStats struct {
	ReservationsExpired int
	ReservationsFailed  int
	OrdersExpired       int
	OrdersFailed        int
}

func NewSweeper(store port.Store, reservations *ReservationService, orders *OrderService, opts ...Option) *Sweeper {
	return &Sweeper{
		store:        store,
		reservations: reservations,
		orders:       orders,
		cfg:          newSettings(opts),
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.sweepInterval)
	defer t.Stop()

	s.cfg.log.Info("sweeper started",
		zap.Duration("interval", s.cfg.sweepInterval),
		zap.Int("batch_size", s.cfg.sweepBatchSize),
	)
	for {
		select {
		case <-ctx.Done():
			s.cfg.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			stats := s.SweepOnce(ctx)
			if stats != (SweepStats{}) {
				s.cfg.log.Info("sweep finished",
					zap.Int("reservations_expired", stats.ReservationsExpired),
					zap.Int("reservations_failed", stats.ReservationsFailed),
					zap.Int("orders_expired", stats.OrdersExpired),
					zap.Int("orders_failed", stats.OrdersFailed),
				)
			}
		}
	}
}

// SweepOnce runs both passes once. A failure on one entity is logged and the
// batch carries on; entities another sweeper already closed fail the state
// check and change nothing.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	now := s.cfg.now().UTC()

	ids, err := s.store.ListLapsedReservations(ctx, now, s.cfg.sweepBatchSize)
	if err != nil {
		s.cfg.log.Error("list lapsed reservations", zap.Error(err))
	}
	for _, id := range ids {
		if err := s.reservations.Release(ctx, id, "", true); err != nil {
			stats.ReservationsFailed++
			s.cfg.log.Warn("expire reservation failed", zap.String("reservation_id", id), zap.Error(err))
			continue
		}
		stats.ReservationsExpired++
		s.cfg.log.Debug("reservation expired", zap.String("reservation_id", id))
	}

	ids, err = s.store.ListLapsedOrders(ctx, now, s.cfg.sweepBatchSize)
	if err != nil {
		s.cfg.log.Error("list lapsed orders", zap.Error(err))
	}
	for _, id := range ids {
		if err := s.orders.Expire(ctx, id); err != nil {
			stats.OrdersFailed++
			s.cfg.log.Warn("expire order failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		stats.OrdersExpired++
		s.cfg.log.Debug("order expired", zap.String("order_id", id))
	}
	return stats
}
