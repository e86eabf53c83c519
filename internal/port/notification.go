package port

import (
	"context"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

// EventPublisher is fire-and-forget: Publish never blocks on delivery and
// never reports failure back into a committed business transaction.
type EventPublisher interface {
	Publish(ctx context.Context, n domain.Notification)
}

// NotificationSink delivers one notification to a transport.
type NotificationSink interface {
	Send(ctx context.Context, n domain.Notification) error
}
