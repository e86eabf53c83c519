package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/flash-sale-settlement/internal/adapter/storage"
	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubOracle struct {
	mu      sync.Mutex
	charges map[string]int
	fail    bool
}

func newStubOracle() *stubOracle {
	return &stubOracle{charges: make(map[string]int)}
}

func (o *stubOracle) Charge(_ context.Context, paymentID string, _ decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("card declined")
	}
	o.charges[paymentID]++
	return nil
}

func (o *stubOracle) setFail(fail bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = fail
}

func (o *stubOracle) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.charges {
		n += c
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, n)
}

func (p *recordingPublisher) named(name string) []domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Notification
	for _, n := range p.events {
		if n.Name == name {
			out = append(out, n)
		}
	}
	return out
}

type testEnv struct {
	store        *storage.MemoryStore
	clock        *fakeClock
	oracle       *stubOracle
	events       *recordingPublisher
	inventory    *InventoryService
	reservations *ReservationService
	orders       *OrderService
	sweeper      *Sweeper
}

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newEnvWithLogger(zaptest.NewLogger(t), opts...)
}

func newEnvWithLogger(log *zap.Logger, opts ...Option) *testEnv {
	env := &testEnv{
		store:  storage.NewMemoryStore(),
		clock:  newFakeClock(),
		oracle: newStubOracle(),
		events: &recordingPublisher{},
	}
	opts = append([]Option{WithClock(env.clock.Now), WithLogger(log)}, opts...)

	guard := NewIdempotencyGuard(env.store, storage.NewLRUCache(100, time.Hour), log)
	env.inventory = NewInventoryService(env.store, env.events, opts...)
	env.reservations = NewReservationService(env.store, guard, env.events, opts...)
	env.orders = NewOrderService(env.store, guard, env.oracle, env.events, opts...)
	env.sweeper = NewSweeper(env.store, env.reservations, env.orders, opts...)
	return env
}

func (e *testEnv) provision(t fataler, id string, qty int, price string) {
	t.Helper()
	if _, err := e.inventory.Provision(context.Background(), id, id, decimal.RequireFromString(price), qty); err != nil {
		t.Fatalf("provision %s: %v", id, err)
	}
}

func (e *testEnv) stock(t fataler, id string) domain.Product {
	t.Helper()
	p, err := e.inventory.GetStock(context.Background(), id)
	if err != nil {
		t.Fatalf("get stock %s: %v", id, err)
	}
	return *p
}

func (e *testEnv) reserve(t *testing.T, userID, productID string, qty int) *domain.Reservation {
	t.Helper()
	r, err := e.reservations.Create(context.Background(), userID, []domain.ItemRequest{{ProductID: productID, Quantity: qty}}, "")
	if err != nil {
		t.Fatalf("reserve %s x%d: %v", productID, qty, err)
	}
	return r
}

func (e *testEnv) order(t *testing.T, userID string, r *domain.Reservation) *domain.Order {
	t.Helper()
	o, err := e.orders.Create(context.Background(), userID, r.ID, "")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func assertStock(t *testing.T, p domain.Product, available, reserved, sold int) {
	t.Helper()
	if p.Available != available || p.Reserved != reserved || p.Sold != sold {
		t.Errorf("product %s: got available=%d reserved=%d sold=%d, want %d/%d/%d",
			p.ID, p.Available, p.Reserved, p.Sold, available, reserved, sold)
	}
}
