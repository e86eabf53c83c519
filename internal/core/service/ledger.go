package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// stockLedger moves counters on a set of product rows locked inside one
// transaction. A move either applies to every line or to none of them.
type stockLedger struct {
	tx       port.Tx
	ids      []string
	products map[string]*domain.Product
	dirty    bool
}

// lockStock locks the products named by lines in ascending id order. Every
// product must exist.
func lockStock(ctx context.Context, tx port.Tx, lines []domain.StockLine) (*stockLedger, error) {
	ids := productIDs(lines)
	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, id)
		}
	}
	return &stockLedger{tx: tx, ids: ids, products: products}, nil
}

// hold moves available -> reserved.
func (l *stockLedger) hold(lines []domain.StockLine) error {
	return l.move(lines, func(p *domain.Product, qty int) error {
		if err := p.TryDecrementAvailable(qty); err != nil {
			return err
		}
		return p.IncrementReserved(qty)
	})
}

// unhold moves reserved -> available.
func (l *stockLedger) unhold(lines []domain.StockLine) error {
	return l.move(lines, func(p *domain.Product, qty int) error {
		if err := p.TryDecrementReserved(qty); err != nil {
			return err
		}
		return p.IncrementAvailable(qty)
	})
}

// sell moves reserved -> sold.
func (l *stockLedger) sell(lines []domain.StockLine) error {
	return l.move(lines, func(p *domain.Product, qty int) error {
		if err := p.TryDecrementReserved(qty); err != nil {
			return err
		}
		return p.IncrementSold(qty)
	})
}

// provision adds freshly supplied units to available.
func (l *stockLedger) provision(lines []domain.StockLine) error {
	return l.move(lines, func(p *domain.Product, qty int) error {
		return p.Provision(qty)
	})
}

func (l *stockLedger) move(lines []domain.StockLine, step func(p *domain.Product, qty int) error) error {
	staged := make(map[string]*domain.Product, len(l.products))
	for id, p := range l.products {
		cp := *p
		staged[id] = &cp
	}
	for _, line := range lines {
		p, ok := staged[line.ProductID]
		if !ok {
			return fmt.Errorf("%w: %s is not locked", domain.ErrProductNotFound, line.ProductID)
		}
		if err := step(p, line.Quantity); err != nil {
			return err
		}
	}
	l.products = staged
	l.dirty = true
	return nil
}

func (l *stockLedger) product(id string) *domain.Product {
	return l.products[id]
}

// flush writes every locked product and returns their snapshots, sequenced
// while the row locks are still held.
func (l *stockLedger) flush(ctx context.Context) ([]domain.StockChanged, error) {
	if !l.dirty {
		return nil, nil
	}
	snaps := make([]domain.StockChanged, 0, len(l.ids))
	for _, id := range l.ids {
		p := l.products[id]
		if err := l.tx.UpdateProductStock(ctx, p); err != nil {
			return nil, fmt.Errorf("update stock %s: %w", id, err)
		}
		snaps = append(snaps, p.Snapshot(nextSequence()))
	}
	return snaps, nil
}

func productIDs(lines []domain.StockLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	sort.Strings(ids)
	return ids
}

// normalizeItems validates a request and merges repeated products.
func normalizeItems(items []domain.ItemRequest) ([]domain.StockLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", domain.ErrInvalidRequest)
	}
	index := make(map[string]int, len(items))
	lines := make([]domain.StockLine, 0, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, fmt.Errorf("%w: empty product id", domain.ErrInvalidRequest)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", domain.ErrInvalidRequest, it.ProductID)
		}
		if it.Quantity > domain.MaxQuantity {
			return nil, fmt.Errorf("%w: quantity for %s exceeds %d", domain.ErrInvalidRequest, it.ProductID, domain.MaxQuantity)
		}
		if i, ok := index[it.ProductID]; ok {
			if lines[i].Quantity > domain.MaxQuantity-it.Quantity {
				return nil, fmt.Errorf("%w: quantity for %s exceeds %d", domain.ErrInvalidRequest, it.ProductID, domain.MaxQuantity)
			}
			lines[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(lines)
		lines = append(lines, domain.StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines, nil
}
