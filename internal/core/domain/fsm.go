package domain

import "fmt"

// Trigger drives a status change. Every mutating operation asks the entity's
// state machine for the next status instead of checking statuses itself.
type Trigger string

const (
	TriggerExpire  Trigger = "expire"
	TriggerCancel  Trigger = "cancel"
	TriggerConvert Trigger = "convert"
	TriggerPay     Trigger = "pay"

	// Compensation triggers fired at a CONVERTED reservation when its order is
	// cancelled or expires. They are the only ways out of CONVERTED.
	TriggerOrderCancelled Trigger = "order_cancelled"
	TriggerOrderReleased  Trigger = "order_released"
	TriggerOrderExpired   Trigger = "order_expired"
)

// TransitionError is returned for a trigger that is illegal in the current status.
type TransitionError struct {
	Entity  string
	From    string
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", e.Entity, e.Trigger, e.From)
}

// Unwrap always yields ErrInvalidStateTransition. Converting a reservation
// and paying an order also yield the entity's state error, so callers of those
// two operations see INVALID_RESERVATION_STATE or INVALID_ORDER_STATE.
func (e *TransitionError) Unwrap() []error {
	switch e.Trigger {
	case TriggerConvert:
		return []error{ErrInvalidStateTransition, ErrInvalidReservationState}
	case TriggerPay:
		return []error{ErrInvalidStateTransition, ErrInvalidOrderState}
	}
	return []error{ErrInvalidStateTransition}
}

var reservationTransitions = map[ReservationStatus]map[Trigger]ReservationStatus{
	ReservationStatusActive: {
		TriggerExpire:  ReservationStatusExpired,
		TriggerCancel:  ReservationStatusCancelled,
		TriggerConvert: ReservationStatusConverted,
	},
	ReservationStatusConverted: {
		TriggerOrderCancelled: ReservationStatusActive,
		TriggerOrderReleased:  ReservationStatusCancelled,
		TriggerOrderExpired:   ReservationStatusExpired,
	},
}

var orderTransitions = map[OrderStatus]map[Trigger]OrderStatus{
	OrderStatusPendingPayment: {
		TriggerPay:    OrderStatusPaid,
		TriggerCancel: OrderStatusCancelled,
		TriggerExpire: OrderStatusExpired,
	},
}

// NextReservationStatus validates ev against the reservation state machine.
func NextReservationStatus(from ReservationStatus, ev Trigger) (ReservationStatus, error) {
	if to, ok := reservationTransitions[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{Entity: "reservation", From: string(from), Trigger: ev}
}

// NextOrderStatus validates ev against the order state machine.
func NextOrderStatus(from OrderStatus, ev Trigger) (OrderStatus, error) {
	if to, ok := orderTransitions[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{Entity: "order", From: string(from), Trigger: ev}
}

// Apply moves r to the status ev leads to.
func (r *Reservation) Apply(ev Trigger) error {
	to, err := NextReservationStatus(r.Status, ev)
	if err != nil {
		return err
	}
	r.Status = to
	return nil
}

func (o *Order) Apply(ev Trigger) error {
	to, err := NextOrderStatus(o.Status, ev)
	if err != nil {
		return err
	}
	o.Status = to
	return nil
}

// Terminal reports whether no public operation can move the reservation on.
// CONVERTED only reopens through its order's compensation events.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusActive
}

func (s OrderStatus) Terminal() bool {
	return s != OrderStatusPendingPayment
}
