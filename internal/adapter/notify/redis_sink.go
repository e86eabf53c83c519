package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
)

const (
	channelPrefix  = "flashsale:"
	stockKeyPrefix = "stock:"
)

// applyStockScript writes a stock snapshot and publishes it only when its
// sequence is newer than the one already mirrored, so late deliveries
// never roll the mirror back.
var applyStockScript = redis.NewScript(`
local key = KEYS[1]
local seq = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'sequence')
if current and tonumber(current) >= seq then
	return 0
end

redis.call('HSET', key, 'available', ARGV[2], 'reserved', ARGV[3], 'sold', ARGV[4], 'sequence', ARGV[1])
redis.call('PUBLISH', ARGV[5], ARGV[6])
return 1
`)

// RedisSink publishes every notification on a pub/sub channel named after
// the event and keeps a per-product stock hash that readers can poll.
type RedisSink struct {
	client redis.UniversalClient
}

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", n.Name, err)
	}
	channel := channelPrefix + n.Name

	snap, ok := n.Payload.(domain.StockChanged)
	if !ok {
		if err := s.client.Publish(ctx, channel, body).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", n.Name, err)
		}
		return nil
	}

	_, err = applyStockScript.Run(ctx, s.client, []string{stockKeyPrefix + snap.ProductID},
		snap.Sequence, snap.Available, snap.Reserved, snap.Sold, channel, body,
	).Int()
	if err != nil {
		return fmt.Errorf("redis stock mirror %s: %w", snap.ProductID, err)
	}
	return nil
}

// Stock reads the mirrored snapshot for a product.
func (s *RedisSink) Stock(ctx context.Context, productID string) (domain.StockChanged, bool, error) {
	var out struct {
		Available int    `redis:"available"`
		Reserved  int    `redis:"reserved"`
		Sold      int    `redis:"sold"`
		Sequence  uint64 `redis:"sequence"`
	}
	res := s.client.HGetAll(ctx, stockKeyPrefix+productID)
	if err := res.Err(); err != nil {
		return domain.StockChanged{}, false, fmt.Errorf("redis stock %s: %w", productID, err)
	}
	if len(res.Val()) == 0 {
		return domain.StockChanged{}, false, nil
	}
	if err := res.Scan(&out); err != nil {
		return domain.StockChanged{}, false, fmt.Errorf("scan stock %s: %w", productID, err)
	}
	return domain.StockChanged{
		ProductID: productID,
		Available: out.Available,
		Reserved:  out.Reserved,
		Sold:      out.Sold,
		Sequence:  out.Sequence,
	}, true, nil
}
