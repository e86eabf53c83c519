package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
	ReservationStatusConverted ReservationStatus = "CONVERTED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
)

// Reservation is a time-boxed hold on stock for one user.
type Reservation struct {
	ID             string
	UserID         string
	Status         ReservationStatus
	ExpiresAt      time.Time
	IdempotencyKey string
	Items          []ReservationItem
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReservationItem carries the price seen at hold time; it never changes afterwards.
type ReservationItem struct {
	ReservationID string
	ProductID     string
	Quantity      int
	PriceSnapshot decimal.Decimal
}

// ItemRequest is one line of a reservation request.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// Lapsed reports whether the hold deadline has passed at now.
func (r *Reservation) Lapsed(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Total sums quantity * price snapshot over all items.
func (r *Reservation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range r.Items {
		total = total.Add(it.PriceSnapshot.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// StockLines returns the product quantities held by the reservation.
func (r *Reservation) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(r.Items))
	for _, it := range r.Items {
		lines = append(lines, StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

// ReservationFilter selects reservations for read APIs. Zero fields match everything.
type ReservationFilter struct {
	UserID string
	Status ReservationStatus
	Limit  int
}
