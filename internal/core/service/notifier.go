package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

var sequence atomic.Uint64

// nextSequence hands out the per-process notification sequence. Stock
// snapshots take theirs while the product row is still locked, so for any one
// product the sequence follows commit order.
func nextSequence() uint64 {
	return sequence.Add(1)
}

type notifier struct {
	events port.EventPublisher
	now    func() time.Time
}

func (n notifier) stock(ctx context.Context, snaps []domain.StockChanged) {
	for _, snap := range snaps {
		n.send(ctx, domain.Notification{
			Name:        domain.EventStockChanged,
			AggregateID: snap.ProductID,
			Sequence:    snap.Sequence,
			Payload:     snap,
		})
	}
}

func (n notifier) emit(ctx context.Context, name, aggregateID string, payload any) {
	n.send(ctx, domain.Notification{
		Name:        name,
		AggregateID: aggregateID,
		Sequence:    nextSequence(),
		Payload:     payload,
	})
}

func (n notifier) send(ctx context.Context, msg domain.Notification) {
	if n.events == nil {
		return
	}
	msg.OccurredAt = n.now().UTC()
	// Delivery must outlive the request that triggered it.
	n.events.Publish(context.WithoutCancel(ctx), msg)
}
