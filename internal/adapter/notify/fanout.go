package notify

import (
	"context"
	"errors"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// Fanout sends every notification to all sinks, even when one fails.
type Fanout []port.NotificationSink

func (f Fanout) Send(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
