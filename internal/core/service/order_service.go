package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// errAlreadyConverted aborts a conversion that lost the race for a reservation.
var errAlreadyConverted = errors.New("reservation already converted")

// OrderService converts reservations into orders, settles payment and
// unwinds unpaid orders.
type OrderService struct {
	store    port.Store
	guard    *IdempotencyGuard
	payments port.PaymentOracle
	notify   notifier
	cfg      settings
}

func NewOrderService(store port.Store, guard *IdempotencyGuard, payments port.PaymentOracle, events port.EventPublisher, opts ...Option) *OrderService {
	cfg := newSettings(opts)
	if guard == nil {
		guard = NewIdempotencyGuard(store, nil, cfg.log)
	}
	return &OrderService{
		store:    store,
		guard:    guard,
		payments: payments,
		notify:   notifier{events: events, now: cfg.now},
		cfg:      cfg,
	}
}

// Create converts the caller's ACTIVE, unexpired reservation into a
// PENDING_PAYMENT order. One reservation yields at most one order.
func (s *OrderService) Create(ctx context.Context, userID, reservationID, idempotencyKey string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Create")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("reservation.id", reservationID))

	if userID == "" || reservationID == "" {
		return nil, fmt.Errorf("%w: user id and reservation id required", domain.ErrInvalidRequest)
	}

	if idempotencyKey != "" {
		existing, err := s.guard.ReplayOrder(ctx, userID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	if existing, err := s.orderForReservation(ctx, userID, reservationID); err != nil || existing != nil {
		return existing, err
	}

	now := s.cfg.now().UTC()
	var res *domain.Reservation
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.Tx) error {
		r, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("reservation %s: %w", reservationID, err)
		}
		if r.UserID != userID {
			return domain.ErrOwnershipViolation
		}
		if r.Status == domain.ReservationStatusConverted {
			return errAlreadyConverted
		}
		if r.Status == domain.ReservationStatusActive && r.Lapsed(now) {
			return fmt.Errorf("%w: reservation %s expired at %s", domain.ErrReservationExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
		}
		if err := r.Apply(domain.TriggerConvert); err != nil {
			return err
		}
		r.UpdatedAt = now

		order = &domain.Order{
			ID:               uuid.NewString(),
			UserID:           userID,
			ReservationID:    r.ID,
			Status:           domain.OrderStatusPendingPayment,
			TotalAmount:      r.Total(),
			PaymentExpiresAt: now.Add(s.cfg.paymentTTL),
			IdempotencyKey:   idempotencyKey,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		order.Items = make([]domain.OrderItem, 0, len(r.Items))
		for _, it := range r.Items {
			order.Items = append(order.Items, domain.OrderItem{
				OrderID:       order.ID,
				ProductID:     it.ProductID,
				Quantity:      it.Quantity,
				PriceSnapshot: it.PriceSnapshot,
			})
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.UpdateReservationStatus(ctx, r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		res = r
		return nil
	})
	if errors.Is(err, errAlreadyConverted) || errors.Is(err, port.ErrDuplicateKey) {
		if idempotencyKey != "" {
			if existing, rerr := s.guard.ReplayOrder(ctx, userID, idempotencyKey); rerr != nil || existing != nil {
				return existing, rerr
			}
		}
		if existing, rerr := s.orderForReservation(ctx, userID, reservationID); rerr != nil || existing != nil {
			return existing, rerr
		}
	}
	if err != nil {
		return nil, err
	}

	s.guard.rememberOrder(ctx, order)
	s.notify.emit(ctx, domain.EventOrderCreated, order.ID, order.Changed())
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.cfg.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("reservation_id", res.ID),
		zap.String("total", order.TotalAmount.String()),
	)
	return order, nil
}

// Pay charges the order and moves its stock from reserved to sold. Paying an
// already PAID order with the same payment id returns it unchanged.
func (s *OrderService) Pay(ctx context.Context, orderID, userID, paymentID string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Pay")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("payment.id", paymentID))

	if userID == "" || paymentID == "" {
		return nil, fmt.Errorf("%w: user id and payment id required", domain.ErrInvalidRequest)
	}

	var (
		snaps  []domain.StockChanged
		replay bool
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("order %s: %w", orderID, err)
		}
		if o.UserID != userID {
			return domain.ErrOwnershipViolation
		}
		if o.Status == domain.OrderStatusPaid && o.PaymentID == paymentID {
			order, replay = o, true
			return nil
		}
		next, err := domain.NextOrderStatus(o.Status, domain.TriggerPay)
		if err != nil {
			return err
		}
		now := s.cfg.now().UTC()
		if o.PaymentLapsed(now) {
			return fmt.Errorf("%w: order %s", domain.ErrPaymentWindowExpired, o.ID)
		}

		holder, err := tx.LockPaymentID(ctx, paymentID)
		switch {
		case err == nil && holder.ID != o.ID:
			return fmt.Errorf("%w: payment id %s belongs to another order", domain.ErrIdempotencyKeyReused, paymentID)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("payment id %s: %w", paymentID, err)
		}

		// The order row stays locked across the charge, so a concurrent pay or
		// expiry of this order waits for the outcome.
		if err := s.payments.Charge(ctx, paymentID, o.TotalAmount); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPaymentFailed, err)
		}

		ledger, err := lockStock(ctx, tx, o.StockLines())
		if err != nil {
			return err
		}
		if err := ledger.sell(o.StockLines()); err != nil {
			return err
		}
		o.Status = next
		o.PaymentID = paymentID
		o.PaidAt = &now
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		snaps, err = ledger.flush(ctx)
		order = o
		return err
	})
	if errors.Is(err, port.ErrDuplicateKey) {
		return nil, fmt.Errorf("%w: payment id %s belongs to another order", domain.ErrIdempotencyKeyReused, paymentID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrPaymentFailed) {
			s.cfg.log.Warn("payment declined", zap.String("order_id", orderID), zap.String("payment_id", paymentID), zap.Error(err))
		}
		return nil, err
	}
	if replay {
		return order, nil
	}

	s.notify.stock(ctx, snaps)
	s.notify.emit(ctx, domain.EventOrderPaid, order.ID, order.Changed())
	s.cfg.log.Info("order paid", zap.String("order_id", order.ID), zap.String("payment_id", paymentID))
	return order, nil
}

// Cancel is the buyer-initiated close of a PENDING_PAYMENT order.
func (s *OrderService) Cancel(ctx context.Context, orderID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", domain.ErrInvalidRequest)
	}
	return s.close(ctx, orderID, userID, domain.TriggerCancel)
}

// Expire closes a PENDING_PAYMENT order whose payment window ran out.
func (s *OrderService) Expire(ctx context.Context, orderID string) error {
	return s.close(ctx, orderID, "", domain.TriggerExpire)
}

func (s *OrderService) close(ctx context.Context, orderID, userID string, trigger domain.Trigger) (err error) {
	ctx, span := tracer.Start(ctx, "OrderService.close")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("trigger", string(trigger)))

	var (
		order    *domain.Order
		res      *domain.Reservation
		snaps    []domain.StockChanged
		resEvent string
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("order %s: %w", orderID, err)
		}
		if userID != "" && o.UserID != userID {
			return domain.ErrOwnershipViolation
		}
		if err := o.Apply(trigger); err != nil {
			return err
		}
		now := s.cfg.now().UTC()
		o.UpdatedAt = now

		r, err := tx.LockReservation(ctx, o.ReservationID)
		if err != nil {
			return fmt.Errorf("reservation %s: %w", o.ReservationID, err)
		}
		if r.Status == domain.ReservationStatusConverted {
			comp := s.compensation(trigger, r, now)
			if err := r.Apply(comp); err != nil {
				return err
			}
			r.UpdatedAt = now
			if comp != domain.TriggerOrderCancelled {
				ledger, err := lockStock(ctx, tx, o.StockLines())
				if err != nil {
					return err
				}
				if err := ledger.unhold(o.StockLines()); err != nil {
					return err
				}
				if snaps, err = ledger.flush(ctx); err != nil {
					return err
				}
			}
			if err := tx.UpdateReservationStatus(ctx, r); err != nil {
				return fmt.Errorf("update reservation: %w", err)
			}
			res, resEvent = r, reservationEventFor(r.Status)
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}

	name := domain.EventOrderCancelled
	if trigger == domain.TriggerExpire {
		name = domain.EventOrderExpired
	}
	s.notify.stock(ctx, snaps)
	s.notify.emit(ctx, name, order.ID, order.Changed())
	if res != nil && resEvent != "" {
		s.notify.emit(ctx, resEvent, res.ID, res.Changed())
	}
	s.cfg.log.Info("order closed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Bool("stock_released", len(snaps) > 0),
	)
	return nil
}

// compensation picks what a converted reservation does when its order closes.
func (s *OrderService) compensation(trigger domain.Trigger, r *domain.Reservation, now time.Time) domain.Trigger {
	if trigger == domain.TriggerExpire {
		return domain.TriggerOrderExpired
	}
	if s.cfg.cancelPolicy == CancelPolicyResume {
		if r.Lapsed(now) {
			return domain.TriggerOrderExpired
		}
		return domain.TriggerOrderCancelled
	}
	return domain.TriggerOrderReleased
}

func reservationEventFor(status domain.ReservationStatus) string {
	switch status {
	case domain.ReservationStatusExpired:
		return domain.EventReservationExpired
	case domain.ReservationStatusCancelled:
		return domain.EventReservationCancelled
	}
	return ""
}

func (s *OrderService) orderForReservation(ctx context.Context, userID, reservationID string) (*domain.Order, error) {
	o, err := s.store.FindOrderByReservation(ctx, reservationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, domain.ErrOwnershipViolation
	}
	return o, nil
}

// Get reads an order. requestedBy, when set, must own it.
func (s *OrderService) Get(ctx context.Context, orderID, requestedBy string) (*domain.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	if requestedBy != "" && o.UserID != requestedBy {
		return nil, domain.ErrOwnershipViolation
	}
	return o, nil
}

func (s *OrderService) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return s.store.ListOrders(ctx, filter)
}
