package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaid           OrderStatus = "PAID"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusExpired        OrderStatus = "EXPIRED"
)

type Order struct {
	ID               string
	UserID           string
	ReservationID    string
	Status           OrderStatus
	TotalAmount      decimal.Decimal
	PaymentID        string
	PaymentExpiresAt time.Time
	PaidAt           *time.Time
	IdempotencyKey   string
	Items            []OrderItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderItem is copied from the reservation at conversion time.
type OrderItem struct {
	OrderID       string
	ProductID     string
	Quantity      int
	PriceSnapshot decimal.Decimal
}

// PaymentLapsed reports whether the payment window has closed at now.
func (o *Order) PaymentLapsed(now time.Time) bool {
	return !o.PaymentExpiresAt.After(now)
}

func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

type OrderFilter struct {
	UserID string
	Status OrderStatus
	Limit  int
}

// StockLine is a product/quantity pair moved by the ledger.
type StockLine struct {
	ProductID string
	Quantity  int
}
