package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// InventoryService provisions stock and reads the ledger.
type InventoryService struct {
	store  port.Store
	notify notifier
	cfg    settings
}

func NewInventoryService(store port.Store, events port.EventPublisher, opts ...Option) *InventoryService {
	cfg := newSettings(opts)
	return &InventoryService{store: store, notify: notifier{events: events, now: cfg.now}, cfg: cfg}
}

// Provision adds qty units to the product's available stock, creating the
// product on first use. Name and price are updated when non-empty; existing
// holds keep the price they snapshotted.
func (s *InventoryService) Provision(ctx context.Context, productID, name string, price decimal.Decimal, qty int) (*domain.Product, error) {
	if productID == "" || qty < 0 || qty > domain.MaxQuantity || price.IsNegative() {
		return nil, fmt.Errorf("%w: product id, non-negative price and quantity required", domain.ErrInvalidRequest)
	}

	current, err := s.store.GetProduct(ctx, productID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	meta := domain.Product{ID: productID, Name: name, Price: price}
	if current != nil && name == "" {
		meta.Name = current.Name
	}
	if err := s.store.SaveProduct(ctx, meta); err != nil {
		return nil, fmt.Errorf("save product: %w", err)
	}
	if qty == 0 {
		return s.store.GetProduct(ctx, productID)
	}

	lines := []domain.StockLine{{ProductID: productID, Quantity: qty}}
	var (
		snaps []domain.StockChanged
		out   domain.Product
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.Tx) error {
		ledger, err := lockStock(ctx, tx, lines)
		if err != nil {
			return err
		}
		if err := ledger.provision(lines); err != nil {
			return err
		}
		snaps, err = ledger.flush(ctx)
		out = *ledger.product(productID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notify.stock(ctx, snaps)
	s.cfg.log.Info("stock provisioned",
		zap.String("product_id", productID),
		zap.Int("quantity", qty),
		zap.Int("available", out.Available),
	)
	return &out, nil
}

func (s *InventoryService) GetStock(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return p, err
}
