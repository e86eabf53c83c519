package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentOracle charges a payment. A non-nil error means the charge did not happen.
type PaymentOracle interface {
	Charge(ctx context.Context, paymentID string, amount decimal.Decimal) error
}
