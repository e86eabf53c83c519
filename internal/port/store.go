package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

// ErrDuplicateKey is returned on commit when a unique column (idempotency key,
// order reservation id, payment id) is already taken.
var ErrDuplicateKey = errors.New("duplicate key")

// Store is the transactional persistence the engine runs on. Reads outside a
// transaction see committed data only.
type Store interface {
	// InTx runs fn in one transaction. Row locks taken through tx are held
	// until fn returns; a nil return commits, anything else rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// SaveProduct creates the product with zero stock, or updates its name and
	// price. Counters are only written through Tx.UpdateProductStock.
	SaveProduct(ctx context.Context, p domain.Product) error

	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]domain.Reservation, error)
	FindReservationByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error)
	// ListLapsedReservations returns ids of ACTIVE reservations with expires_at <= now.
	ListLapsedReservations(ctx context.Context, now time.Time, limit int) ([]string, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	FindOrderByReservation(ctx context.Context, reservationID string) (*domain.Order, error)
	// ListLapsedOrders returns ids of PENDING_PAYMENT orders with payment_expires_at <= now.
	ListLapsedOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Tx exposes the row-locking operations available inside Store.InTx.
// Lookups that find nothing return domain.ErrNotFound.
type Tx interface {
	// LockProducts locks every listed product, in ascending id order, and
	// returns the ones that exist keyed by id.
	LockProducts(ctx context.Context, ids []string) (map[string]*domain.Product, error)
	// UpdateProductStock writes the counters and bumps the version.
	UpdateProductStock(ctx context.Context, p *domain.Product) error

	LockReservation(ctx context.Context, id string) (*domain.Reservation, error)
	InsertReservation(ctx context.Context, r *domain.Reservation) error
	UpdateReservationStatus(ctx context.Context, r *domain.Reservation) error

	LockOrder(ctx context.Context, id string) (*domain.Order, error)
	// LockPaymentID serializes pays that use paymentID and returns the order
	// already holding it, or domain.ErrNotFound when it is free.
	LockPaymentID(ctx context.Context, paymentID string) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	UpdateOrder(ctx context.Context, o *domain.Order) error
}
