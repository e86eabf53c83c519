package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrProductNotFound         = errors.New("product not found")
	ErrOwnershipViolation      = errors.New("ownership violation")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrInvalidOrderState       = errors.New("invalid order state")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrReservationExpired      = errors.New("reservation expired")
	ErrPaymentWindowExpired    = errors.New("payment window expired")
	ErrIdempotencyKeyReused    = errors.New("idempotency key reused")
	ErrPaymentFailed           = errors.New("payment failed")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrLedgerCorruption        = errors.New("ledger corruption")
)

// InsufficientStockError names the product that could not cover a request.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// LedgerCorruptionError reports a counter that cannot cover a release or sale.
type LedgerCorruptionError struct {
	ProductID string
	Field     string
	Have      int
	Need      int
}

func (e *LedgerCorruptionError) Error() string {
	return fmt.Sprintf("product %s: %s is %d, cannot remove %d", e.ProductID, e.Field, e.Have, e.Need)
}

func (e *LedgerCorruptionError) Unwrap() error { return ErrLedgerCorruption }

// Code is the stable, client-facing identifier of an error kind.
type Code string

const (
	CodeNotFound                Code = "NOT_FOUND"
	CodeProductNotFound         Code = "PRODUCT_NOT_FOUND"
	CodeOwnershipViolation      Code = "OWNERSHIP_VIOLATION"
	CodeInvalidStateTransition  Code = "INVALID_STATE_TRANSITION"
	CodeInvalidReservationState Code = "INVALID_RESERVATION_STATE"
	CodeInvalidOrderState       Code = "INVALID_ORDER_STATE"
	CodeInsufficientStock       Code = "INSUFFICIENT_STOCK"
	CodeReservationExpired      Code = "RESERVATION_EXPIRED"
	CodePaymentWindowExpired    Code = "PAYMENT_WINDOW_EXPIRED"
	CodeIdempotencyKeyReused    Code = "IDEMPOTENCY_KEY_REUSED"
	CodePaymentFailed           Code = "PAYMENT_FAILED"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeInternal                Code = "INTERNAL"
)

// RetryClass tells a client how to react to an error.
type RetryClass string

const (
	RetryLater       RetryClass = "retry_later"
	DoNotRetry       RetryClass = "do_not_retry"
	RetryWithBackoff RetryClass = "retry_with_backoff"
	RetryInternal    RetryClass = "internal"
)

var errorCodes = []struct {
	err   error
	code  Code
	retry RetryClass
}{
	{ErrProductNotFound, CodeProductNotFound, DoNotRetry},
	{ErrInsufficientStock, CodeInsufficientStock, RetryLater},
	{ErrReservationExpired, CodeReservationExpired, RetryLater},
	{ErrPaymentWindowExpired, CodePaymentWindowExpired, RetryLater},
	{ErrOwnershipViolation, CodeOwnershipViolation, DoNotRetry},
	{ErrIdempotencyKeyReused, CodeIdempotencyKeyReused, DoNotRetry},
	{ErrPaymentFailed, CodePaymentFailed, RetryWithBackoff},
	// entity-specific state errors also match ErrInvalidStateTransition
	{ErrInvalidReservationState, CodeInvalidReservationState, DoNotRetry},
	{ErrInvalidOrderState, CodeInvalidOrderState, DoNotRetry},
	{ErrInvalidStateTransition, CodeInvalidStateTransition, DoNotRetry},
	{ErrNotFound, CodeNotFound, DoNotRetry},
	{ErrInvalidRequest, CodeInvalidRequest, DoNotRetry},
}

// CodeOf maps err onto the error taxonomy. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

func RetryClassOf(err error) RetryClass {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.retry
		}
	}
	return RetryInternal
}
