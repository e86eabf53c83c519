package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// ReservationService turns available stock into time-boxed holds and gives
// it back on cancel or expiry.
type ReservationService struct {
	store  port.Store
	guard  *IdempotencyGuard
	notify notifier
	cfg    settings
}

func NewReservationService(store port.Store, guard *IdempotencyGuard, events port.EventPublisher, opts ...Option) *ReservationService {
	cfg := newSettings(opts)
	if guard == nil {
		guard = NewIdempotencyGuard(store, nil, cfg.log)
	}
	return &ReservationService{
		store:  store,
		guard:  guard,
		notify: notifier{events: events, now: cfg.now},
		cfg:    cfg,
	}
}

// Create holds stock for every item or for none of them.
func (s *ReservationService) Create(ctx context.Context, userID string, items []domain.ItemRequest, idempotencyKey string) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "ReservationService.Create")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int("items", len(items)))

	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidRequest)
	}
	lines, err := normalizeItems(items)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := s.guard.ReplayReservation(ctx, userID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.cfg.log.Info("reservation replayed", zap.String("reservation_id", existing.ID), zap.String("idempotency_key", idempotencyKey))
			return existing, nil
		}
	}

	now := s.cfg.now().UTC()
	res = &domain.Reservation{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         domain.ReservationStatusActive,
		ExpiresAt:      now.Add(s.cfg.reservationTTL),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var snaps []domain.StockChanged
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.Tx) error {
		ledger, err := lockStock(ctx, tx, lines)
		if err != nil {
			return err
		}
		if err := ledger.hold(lines); err != nil {
			return err
		}
		res.Items = make([]domain.ReservationItem, 0, len(lines))
		for _, line := range lines {
			res.Items = append(res.Items, domain.ReservationItem{
				ReservationID: res.ID,
				ProductID:     line.ProductID,
				Quantity:      line.Quantity,
				PriceSnapshot: ledger.product(line.ProductID).Price,
			})
		}
		if err := tx.InsertReservation(ctx, res); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		snaps, err = ledger.flush(ctx)
		return err
	})
	if errors.Is(err, port.ErrDuplicateKey) && idempotencyKey != "" {
		// A concurrent request with the same key committed first.
		existing, rerr := s.guard.ReplayReservation(ctx, userID, idempotencyKey)
		if rerr != nil {
			return nil, rerr
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.guard.rememberReservation(ctx, res)
	s.notify.stock(ctx, snaps)
	s.notify.emit(ctx, domain.EventReservationCreated, res.ID, res.Changed())
	span.SetAttributes(attribute.String("reservation.id", res.ID))
	s.cfg.log.Info("reservation created",
		zap.String("reservation_id", res.ID),
		zap.String("user_id", userID),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

// Release gives a hold's stock back. requestedBy, when set, must own the
// reservation. autoExpired marks it EXPIRED instead of CANCELLED.
//
// Only an ACTIVE hold can be released, whether or not its deadline passed;
// every other status already settled its stock and is rejected.
func (s *ReservationService) Release(ctx context.Context, reservationID, requestedBy string, autoExpired bool) (err error) {
	ctx, span := tracer.Start(ctx, "ReservationService.Release")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("reservation.id", reservationID), attribute.Bool("auto_expired", autoExpired))

	trigger := domain.TriggerCancel
	if autoExpired {
		trigger = domain.TriggerExpire
	}

	var (
		res   *domain.Reservation
		snaps []domain.StockChanged
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.Tx) error {
		r, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("reservation %s: %w", reservationID, err)
		}
		if requestedBy != "" && r.UserID != requestedBy {
			return domain.ErrOwnershipViolation
		}
		if err := r.Apply(trigger); err != nil {
			return err
		}
		r.UpdatedAt = s.cfg.now().UTC()

		ledger, err := lockStock(ctx, tx, r.StockLines())
		if err != nil {
			return err
		}
		if err := ledger.unhold(r.StockLines()); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		snaps, err = ledger.flush(ctx)
		res = r
		return err
	})
	if err != nil {
		return err
	}

	name := domain.EventReservationCancelled
	if autoExpired {
		name = domain.EventReservationExpired
	}
	s.notify.stock(ctx, snaps)
	s.notify.emit(ctx, name, res.ID, res.Changed())
	s.cfg.log.Info("reservation released",
		zap.String("reservation_id", res.ID),
		zap.String("status", string(res.Status)),
	)
	return nil
}

// Cancel is the buyer-initiated release.
func (s *ReservationService) Cancel(ctx context.Context, reservationID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", domain.ErrInvalidRequest)
	}
	return s.Release(ctx, reservationID, userID, false)
}

// Get reads a reservation. requestedBy, when set, must own it.
func (s *ReservationService) Get(ctx context.Context, reservationID, requestedBy string) (*domain.Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, err)
	}
	if requestedBy != "" && r.UserID != requestedBy {
		return nil, domain.ErrOwnershipViolation
	}
	return r, nil
}

func (s *ReservationService) List(ctx context.Context, filter domain.ReservationFilter) ([]domain.Reservation, error) {
	return s.store.ListReservations(ctx, filter)
}
