package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrDeclined = errors.New("payment declined")

// DeclinePrefix makes FakeOracle refuse any payment id that starts with it.
const DeclinePrefix = "decline-"

// FakeOracle approves charges deterministically. A payment id seen before is
// approved again without charging twice, which is how real gateways treat a
// retried id.
type FakeOracle struct {
	mu      sync.Mutex
	charged map[string]decimal.Decimal
	limit   decimal.Decimal
}

// NewFakeOracle returns an oracle that declines amounts above limit. A zero
// limit means no limit.
func NewFakeOracle(limit decimal.Decimal) *FakeOracle {
	return &FakeOracle{charged: make(map[string]decimal.Decimal), limit: limit}
}

func (o *FakeOracle) Charge(ctx context.Context, paymentID string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if paymentID == "" || strings.HasPrefix(paymentID, DeclinePrefix) {
		return fmt.Errorf("%w: payment id %q", ErrDeclined, paymentID)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrDeclined, amount)
	}
	if o.limit.IsPositive() && amount.GreaterThan(o.limit) {
		return fmt.Errorf("%w: amount %s over limit %s", ErrDeclined, amount, o.limit)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.charged[paymentID]; ok {
		if !prev.Equal(amount) {
			return fmt.Errorf("%w: payment id %q already charged %s", ErrDeclined, paymentID, prev)
		}
		return nil
	}
	o.charged[paymentID] = amount
	return nil
}

// Charged reports how much was captured under paymentID.
func (o *FakeOracle) Charged(paymentID string) (decimal.Decimal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	amount, ok := o.charged[paymentID]
	return amount, ok
}
