package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MaxQuantity bounds every stock counter and requested quantity. The ledger
// columns are 32-bit.
const MaxQuantity = math.MaxInt32

// Product is the stock ledger row for one sellable item.
// Available+Reserved+Sold only changes when stock is provisioned.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Available int
	Reserved  int
	Sold      int
	Version   int64 // bumped on every counter write
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total is the provisioned stock of the product.
func (p *Product) Total() int {
	return p.Available + p.Reserved + p.Sold
}

// TryDecrementAvailable removes qty from available, refusing to go below zero.
func (p *Product) TryDecrementAvailable(qty int) error {
	if qty <= 0 {
		return ErrInvalidRequest
	}
	if p.Available < qty {
		return &InsufficientStockError{ProductID: p.ID, Requested: qty, Available: p.Available}
	}
	p.Available -= qty
	return nil
}

// TryDecrementReserved removes qty from reserved. A shortfall means the ledger
// and the holds disagree, which is never recoverable by retrying.
func (p *Product) TryDecrementReserved(qty int) error {
	if qty <= 0 {
		return ErrInvalidRequest
	}
	if p.Reserved < qty {
		return &LedgerCorruptionError{ProductID: p.ID, Field: "reserved", Have: p.Reserved, Need: qty}
	}
	p.Reserved -= qty
	return nil
}

func (p *Product) IncrementReserved(qty int) error  { return increment(&p.Reserved, "reserved", qty) }
func (p *Product) IncrementSold(qty int) error      { return increment(&p.Sold, "sold", qty) }
func (p *Product) IncrementAvailable(qty int) error { return increment(&p.Available, "available", qty) }

// Provision adds qty units to available. The provisioned total must stay
// within MaxQuantity.
func (p *Product) Provision(qty int) error {
	if qty <= 0 || p.Total() > MaxQuantity-qty {
		return fmt.Errorf("%w: provisioning %d units exceeds the stock limit of %s", ErrInvalidRequest, qty, p.ID)
	}
	p.Available += qty
	return nil
}

func increment(counter *int, field string, qty int) error {
	if qty <= 0 || *counter > MaxQuantity-qty {
		return fmt.Errorf("%w: cannot add %d to %s", ErrInvalidRequest, qty, field)
	}
	*counter += qty
	return nil
}

// Snapshot returns the stock-changed payload for the product.
func (p *Product) Snapshot(seq uint64) StockChanged {
	return StockChanged{
		ProductID: p.ID,
		Available: p.Available,
		Reserved:  p.Reserved,
		Sold:      p.Sold,
		Sequence:  seq,
	}
}
