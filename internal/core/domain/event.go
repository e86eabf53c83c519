package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventStockChanged         = "stock:changed"
	EventReservationCreated   = "reservation:created"
	EventReservationExpired   = "reservation:expired"
	EventReservationCancelled = "reservation:cancelled"
	EventOrderCreated         = "order:created"
	EventOrderPaid            = "order:paid"
	EventOrderExpired         = "order:expired"
	EventOrderCancelled       = "order:cancelled"
)

// Notification is what the core hands to the notification sink after commit.
// Sequence increases monotonically per process; consumers drop anything older
// than what they have already applied.
type Notification struct {
	Name        string    `json:"event"`
	AggregateID string    `json:"aggregate_id"`
	Sequence    uint64    `json:"sequence"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     any       `json:"payload"`
}

type StockChanged struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
	Sequence  uint64 `json:"sequence"`
}

type ReservationChanged struct {
	ReservationID string            `json:"reservationId"`
	UserID        string            `json:"userId"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Items         []StockLine       `json:"items"`
}

type OrderChanged struct {
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	ReservationID string          `json:"reservationId"`
	Status        OrderStatus     `json:"status"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	PaymentID     string          `json:"paymentId,omitempty"`
}

func (r *Reservation) Changed() ReservationChanged {
	return ReservationChanged{
		ReservationID: r.ID,
		UserID:        r.UserID,
		Status:        r.Status,
		ExpiresAt:     r.ExpiresAt,
		Items:         r.StockLines(),
	}
}

func (o *Order) Changed() OrderChanged {
	return OrderChanged{
		OrderID:       o.ID,
		UserID:        o.UserID,
		ReservationID: o.ReservationID,
		Status:        o.Status,
		TotalAmount:   o.TotalAmount,
		PaymentID:     o.PaymentID,
	}
}
