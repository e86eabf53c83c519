package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, n domain.Notification) error {
	s.log.Info("notification",
		zap.String("event", n.Name),
		zap.String("aggregate_id", n.AggregateID),
		zap.Uint64("sequence", n.Sequence),
		zap.Any("payload", n.Payload),
	)
	return nil
}
