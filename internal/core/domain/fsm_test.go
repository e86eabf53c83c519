package domain

import (
	"errors"
	"testing"
)

func TestNextReservationStatus(t *testing.T) {
	tests := []struct {
		from    ReservationStatus
		trigger Trigger
		want    ReservationStatus
		wantErr bool
	}{
		{ReservationStatusActive, TriggerExpire, ReservationStatusExpired, false},
		{ReservationStatusActive, TriggerCancel, ReservationStatusCancelled, false},
		{ReservationStatusActive, TriggerConvert, ReservationStatusConverted, false},
		{ReservationStatusConverted, TriggerOrderCancelled, ReservationStatusActive, false},
		{ReservationStatusConverted, TriggerOrderReleased, ReservationStatusCancelled, false},
		{ReservationStatusConverted, TriggerOrderExpired, ReservationStatusExpired, false},
		{ReservationStatusConverted, TriggerCancel, ReservationStatusConverted, true},
		{ReservationStatusConverted, TriggerExpire, ReservationStatusConverted, true},
		{ReservationStatusExpired, TriggerCancel, ReservationStatusExpired, true},
		{ReservationStatusExpired, TriggerExpire, ReservationStatusExpired, true},
		{ReservationStatusCancelled, TriggerConvert, ReservationStatusCancelled, true},
		{ReservationStatusActive, TriggerPay, ReservationStatusActive, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := NextReservationStatus(tt.from, tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidStateTransition) {
					t.Errorf("error %v does not unwrap to ErrInvalidStateTransition", err)
				}
				if code := CodeOf(err); code != transitionCode(tt.trigger) {
					t.Errorf("CodeOf = %s, want %s", code, transitionCode(tt.trigger))
				}
			}
		})
	}
}

func TestNextOrderStatus(t *testing.T) {
	tests := []struct {
		from    OrderStatus
		trigger Trigger
		want    OrderStatus
		wantErr bool
	}{
		{OrderStatusPendingPayment, TriggerPay, OrderStatusPaid, false},
		{OrderStatusPendingPayment, TriggerCancel, OrderStatusCancelled, false},
		{OrderStatusPendingPayment, TriggerExpire, OrderStatusExpired, false},
		{OrderStatusPaid, TriggerCancel, OrderStatusPaid, true},
		{OrderStatusPaid, TriggerPay, OrderStatusPaid, true},
		{OrderStatusCancelled, TriggerPay, OrderStatusCancelled, true},
		{OrderStatusExpired, TriggerExpire, OrderStatusExpired, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := NextOrderStatus(tt.from, tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			if err != nil && (!errors.Is(err, ErrInvalidStateTransition) || CodeOf(err) != transitionCode(tt.trigger)) {
				t.Errorf("unexpected error mapping for %v: %s", err, CodeOf(err))
			}
		})
	}
}

func TestApplyLeavesStatusOnError(t *testing.T) {
	r := &Reservation{Status: ReservationStatusCancelled}
	if err := r.Apply(TriggerConvert); err == nil {
		t.Fatal("expected error")
	}
	if r.Status != ReservationStatusCancelled {
		t.Errorf("status changed to %s", r.Status)
	}

	o := &Order{Status: OrderStatusPendingPayment}
	if err := o.Apply(TriggerPay); err != nil || o.Status != OrderStatusPaid {
		t.Errorf("apply pay: err=%v status=%s", err, o.Status)
	}
	if !o.Status.Terminal() || OrderStatusPendingPayment.Terminal() {
		t.Error("unexpected Terminal()")
	}
}

func transitionCode(trigger Trigger) Code {
	switch trigger {
	case TriggerConvert:
		return CodeInvalidReservationState
	case TriggerPay:
		return CodeInvalidOrderState
	}
	return CodeInvalidStateTransition
}
