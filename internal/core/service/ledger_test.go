package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

// TestStockConservation drives random sequences of operations and checks the
// ledger invariant after every step.
func TestStockConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		env := newEnvWithLogger(zap.NewNop())
		ctx := context.Background()
		products := []string{"p-a", "p-b", "p-c"}
		total := map[string]int{}
		for _, id := range products {
			n := rapid.IntRange(0, 20).Draw(rt, "stock-"+id)
			env.provision(rt, id, n, "1.00")
			total[id] = n
		}

		var reservations []*domain.Reservation
		var orders []*domain.Order
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 6).Draw(rt, "op") {
			case 0:
				items := []domain.ItemRequest{{
					ProductID: rapid.SampledFrom(products).Draw(rt, "product"),
					Quantity:  rapid.IntRange(1, 5).Draw(rt, "qty"),
				}}
				if rapid.Bool().Draw(rt, "second") {
					items = append(items, domain.ItemRequest{
						ProductID: rapid.SampledFrom(products).Draw(rt, "product2"),
						Quantity:  rapid.IntRange(1, 5).Draw(rt, "qty2"),
					})
				}
				r, err := env.reservations.Create(ctx, "user-1", items, "")
				if err == nil {
					reservations = append(reservations, r)
				} else if !errors.Is(err, domain.ErrInsufficientStock) {
					rt.Fatalf("create reservation: %v", err)
				}
			case 1:
				if len(reservations) > 0 {
					r := rapid.SampledFrom(reservations).Draw(rt, "reservation")
					_ = env.reservations.Cancel(ctx, r.ID, "user-1")
				}
			case 2:
				if len(reservations) > 0 {
					r := rapid.SampledFrom(reservations).Draw(rt, "reservation")
					if o, err := env.orders.Create(ctx, "user-1", r.ID, ""); err == nil {
						orders = append(orders, o)
					}
				}
			case 3:
				if len(orders) > 0 {
					o := rapid.SampledFrom(orders).Draw(rt, "order")
					_, _ = env.orders.Pay(ctx, o.ID, "user-1", "pay-"+o.ID)
				}
			case 4:
				if len(orders) > 0 {
					o := rapid.SampledFrom(orders).Draw(rt, "order")
					_ = env.orders.Cancel(ctx, o.ID, "user-1")
				}
			case 5:
				if len(orders) > 0 {
					o := rapid.SampledFrom(orders).Draw(rt, "order")
					_ = env.orders.Expire(ctx, o.ID)
				}
			case 6:
				env.clock.Advance(rapid.SampledFrom([]time.Duration{time.Minute, 6 * time.Minute, 11 * time.Minute}).Draw(rt, "advance"))
				env.sweeper.SweepOnce(ctx)
			}

			for _, id := range products {
				p := env.stock(rt, id)
				if p.Available < 0 || p.Reserved < 0 || p.Sold < 0 {
					rt.Fatalf("negative counter on %s: %+v", id, p)
				}
				if p.Total() != total[id] {
					rt.Fatalf("%s total %d, provisioned %d", id, p.Total(), total[id])
				}
			}
		}

		// Everything still held must be accounted for by ACTIVE reservations
		// and PENDING_PAYMENT orders.
		held := map[string]int{}
		active, _ := env.reservations.List(ctx, domain.ReservationFilter{Status: domain.ReservationStatusActive})
		for _, r := range active {
			for _, line := range r.StockLines() {
				held[line.ProductID] += line.Quantity
			}
		}
		pending, _ := env.orders.List(ctx, domain.OrderFilter{Status: domain.OrderStatusPendingPayment})
		for _, o := range pending {
			for _, line := range o.StockLines() {
				held[line.ProductID] += line.Quantity
			}
		}
		for _, id := range products {
			if p := env.stock(rt, id); p.Reserved != held[id] {
				rt.Fatalf("%s reserved %d, holds account for %d", id, p.Reserved, held[id])
			}
		}
	})
}

func TestNormalizeItems(t *testing.T) {
	lines, err := normalizeItems([]domain.ItemRequest{
		{ProductID: "b", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := fmt.Sprint(lines)
	if want := "[{b 4} {a 2}]"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if ids := productIDs(lines); ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected ascending ids, got %v", ids)
	}
}

func TestNormalizeItems_QuantityLimit(t *testing.T) {
	tests := []struct {
		name  string
		items []domain.ItemRequest
	}{
		{"single line above limit", []domain.ItemRequest{{ProductID: "a", Quantity: domain.MaxQuantity + 1}}},
		{"merged lines above limit", []domain.ItemRequest{
			{ProductID: "a", Quantity: domain.MaxQuantity},
			{ProductID: "a", Quantity: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := normalizeItems(tt.items); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	lines, err := normalizeItems([]domain.ItemRequest{{ProductID: "a", Quantity: domain.MaxQuantity}})
	if err != nil || lines[0].Quantity != domain.MaxQuantity {
		t.Errorf("quantity at the limit: lines=%v err=%v", lines, err)
	}
}
