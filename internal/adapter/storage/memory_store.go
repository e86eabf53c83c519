package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// MemoryStore is an in-process Store. Row locks come from a sharded lock
// table; transaction writes are staged and applied on commit, so a rolled
// back transaction leaves nothing behind.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[string]*domain.Product
	reservations map[string]*domain.Reservation
	orders       map[string]*domain.Order

	reservationByKey map[string]string
	orderByKey       map[string]string
	orderByRes       map[string]string
	orderByPayment   map[string]string

	locks rowLocks
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:         make(map[string]*domain.Product),
		reservations:     make(map[string]*domain.Reservation),
		orders:           make(map[string]*domain.Order),
		reservationByKey: make(map[string]string),
		orderByKey:       make(map[string]string),
		orderByRes:       make(map[string]string),
		orderByPayment:   make(map[string]string),
		now:              time.Now,
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:        m,
		held:         make(map[string]func()),
		products:     make(map[string]*domain.Product),
		reservations: make(map[string]*domain.Reservation),
		orders:       make(map[string]*domain.Order),
		inserted:     make(map[string]bool),
	}
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SaveProduct(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if cur, ok := m.products[p.ID]; ok {
		cur.Name = p.Name
		cur.Price = p.Price
		cur.UpdatedAt = now
		return nil
	}
	m.products[p.ID] = &domain.Product{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneReservation(r), nil
}

func (m *MemoryStore) ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Reservation, 0)
	for _, r := range m.reservations {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *cloneReservation(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FindReservationByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	m.mu.RLock()
	id, ok := m.reservationByKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.GetReservation(ctx, id)
}

func (m *MemoryStore) ListLapsedReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	lapsed := make([]*domain.Reservation, 0)
	for _, r := range m.reservations {
		if r.Status == domain.ReservationStatusActive && r.Lapsed(now) {
			lapsed = append(lapsed, r)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].ExpiresAt.Before(lapsed[j].ExpiresAt) })
	ids := make([]string, 0, len(lapsed))
	for _, r := range lapsed {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	m.mu.RUnlock()
	return ids, nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Order, 0)
	for _, o := range m.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	m.mu.RLock()
	id, ok := m.orderByKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.GetOrder(ctx, id)
}

func (m *MemoryStore) FindOrderByReservation(ctx context.Context, reservationID string) (*domain.Order, error) {
	m.mu.RLock()
	id, ok := m.orderByRes[reservationID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.GetOrder(ctx, id)
}

func (m *MemoryStore) ListLapsedOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	lapsed := make([]*domain.Order, 0)
	for _, o := range m.orders {
		if o.Status == domain.OrderStatusPendingPayment && o.PaymentLapsed(now) {
			lapsed = append(lapsed, o)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].PaymentExpiresAt.Before(lapsed[j].PaymentExpiresAt) })
	ids := make([]string, 0, len(lapsed))
	for _, o := range lapsed {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	m.mu.RUnlock()
	return ids, nil
}

type memTx struct {
	store        *MemoryStore
	held         map[string]func()
	products     map[string]*domain.Product
	reservations map[string]*domain.Reservation
	orders       map[string]*domain.Order
	inserted     map[string]bool
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	release, err := t.store.locks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	t.held[key] = release
	return nil
}

func (t *memTx) releaseAll() {
	for key, release := range t.held {
		release()
		delete(t.held, key)
	}
}

func (t *memTx) LockProducts(ctx context.Context, ids []string) (map[string]*domain.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*domain.Product, len(sorted))
	for _, id := range sorted {
		if err := t.lock(ctx, "product:"+id); err != nil {
			return nil, err
		}
		if p, ok := t.products[id]; ok {
			cp := *p
			out[id] = &cp
			continue
		}
		t.store.mu.RLock()
		p, ok := t.store.products[id]
		var cp domain.Product
		if ok {
			cp = *p
		}
		t.store.mu.RUnlock()
		if ok {
			out[id] = &cp
		}
	}
	return out, nil
}

func (t *memTx) UpdateProductStock(ctx context.Context, p *domain.Product) error {
	if _, ok := t.held["product:"+p.ID]; !ok {
		return fmt.Errorf("product %s updated without lock", p.ID)
	}
	p.Version++
	p.UpdatedAt = t.store.now().UTC()
	cp := *p
	t.products[p.ID] = &cp
	return nil
}

func (t *memTx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if err := t.lock(ctx, "reservation:"+id); err != nil {
		return nil, err
	}
	if r, ok := t.reservations[id]; ok {
		return cloneReservation(r), nil
	}
	return t.store.GetReservation(ctx, id)
}

func (t *memTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	if err := t.lock(ctx, "reservation:"+r.ID); err != nil {
		return err
	}
	t.reservations[r.ID] = cloneReservation(r)
	t.inserted["reservation:"+r.ID] = true
	return nil
}

func (t *memTx) UpdateReservationStatus(ctx context.Context, r *domain.Reservation) error {
	staged, ok := t.reservations[r.ID]
	if !ok {
		cur, err := t.store.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		staged = cur
	}
	staged.Status = r.Status
	staged.UpdatedAt = r.UpdatedAt
	t.reservations[r.ID] = staged
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id string) (*domain.Order, error) {
	if err := t.lock(ctx, "order:"+id); err != nil {
		return nil, err
	}
	if o, ok := t.orders[id]; ok {
		return cloneOrder(o), nil
	}
	return t.store.GetOrder(ctx, id)
}

func (t *memTx) LockPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	if err := t.lock(ctx, "payment:"+paymentID); err != nil {
		return nil, err
	}
	for _, o := range t.orders {
		if o.PaymentID == paymentID {
			return cloneOrder(o), nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.orderByPayment[paymentID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.store.GetOrder(ctx, id)
}

func (t *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if err := t.lock(ctx, "order:"+o.ID); err != nil {
		return err
	}
	t.orders[o.ID] = cloneOrder(o)
	t.inserted["order:"+o.ID] = true
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	staged, ok := t.orders[o.ID]
	if !ok {
		cur, err := t.store.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		staged = cur
	}
	staged.Status = o.Status
	staged.PaymentID = o.PaymentID
	staged.PaidAt = o.PaidAt
	staged.UpdatedAt = o.UpdatedAt
	t.orders[o.ID] = staged
	return nil
}

// commit checks unique keys and applies the staged writes atomically.
func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range t.reservations {
		if r.IdempotencyKey == "" || !t.inserted["reservation:"+id] {
			continue
		}
		if owner, ok := s.reservationByKey[r.IdempotencyKey]; ok && owner != id {
			return fmt.Errorf("reservation idempotency key %q: %w", r.IdempotencyKey, port.ErrDuplicateKey)
		}
	}
	for id, o := range t.orders {
		if owner, ok := s.orderByRes[o.ReservationID]; ok && owner != id {
			return fmt.Errorf("order for reservation %s: %w", o.ReservationID, port.ErrDuplicateKey)
		}
		if owner, ok := s.orderByKey[o.IdempotencyKey]; o.IdempotencyKey != "" && ok && owner != id {
			return fmt.Errorf("order idempotency key %q: %w", o.IdempotencyKey, port.ErrDuplicateKey)
		}
		if owner, ok := s.orderByPayment[o.PaymentID]; o.PaymentID != "" && ok && owner != id {
			return fmt.Errorf("payment id %q: %w", o.PaymentID, port.ErrDuplicateKey)
		}
	}

	for id, p := range t.products {
		cur, ok := s.products[id]
		if !ok {
			return fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
		// Name and price may have changed outside the lock; only counters are ours.
		cur.Available, cur.Reserved, cur.Sold = p.Available, p.Reserved, p.Sold
		cur.Version = p.Version
		cur.UpdatedAt = p.UpdatedAt
	}
	for id, r := range t.reservations {
		s.reservations[id] = r
		if r.IdempotencyKey != "" {
			s.reservationByKey[r.IdempotencyKey] = id
		}
	}
	for id, o := range t.orders {
		s.orders[id] = o
		s.orderByRes[o.ReservationID] = id
		if o.IdempotencyKey != "" {
			s.orderByKey[o.IdempotencyKey] = id
		}
		if o.PaymentID != "" {
			s.orderByPayment[o.PaymentID] = id
		}
	}
	return nil
}

func cloneReservation(r *domain.Reservation) *domain.Reservation {
	cp := *r
	cp.Items = append([]domain.ReservationItem(nil), r.Items...)
	return &cp
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.PaidAt != nil {
		paid := *o.PaidAt
		cp.PaidAt = &paid
	}
	return &cp
}
