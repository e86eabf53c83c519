package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

// ChannelPublisher is the part of *amqp.Channel the sink uses.
type ChannelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitSink publishes to a topic exchange. The routing key is the event
// name with ':' turned into '.', e.g. "stock.changed".
type RabbitSink struct {
	conn     *amqp.Connection
	ch       ChannelPublisher
	exchange string
}

func NewRabbitSink(url, exchange string) (*RabbitSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func newRabbitSinkWithChannel(ch ChannelPublisher, exchange string) *RabbitSink {
	return &RabbitSink{ch: ch, exchange: exchange}
}

func routingKey(event string) string {
	return strings.ReplaceAll(event, ":", ".")
}

func (s *RabbitSink) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", n.Name, err)
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, routingKey(n.Name), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s-%d", n.AggregateID, n.Sequence),
		Timestamp:    n.OccurredAt,
		Type:         n.Name,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", n.Name, err)
	}
	return nil
}

func (s *RabbitSink) Close() error {
	if c, ok := s.ch.(*amqp.Channel); ok {
		_ = c.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
