package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

const stockKeyPrefix = "stock:"

const (
	deductSucceeded    = 1
	deductInsufficient = -1
)

// A missing key counts as zero stock.
var deductStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = tonumber(redis.call('GET', key) or '0')
if current >= quantity then
	redis.call('DECRBY', key, quantity)
	return 1
end

return -1
`)

type RedisAdapter struct {
	client redis.UniversalClient
}

func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func StockKey(itemID string) string {
	return stockKeyPrefix + itemID
}

func (r *RedisAdapter) Initialize(ctx context.Context, itemID string, quantity int64) error {
	if quantity < 0 {
		return domain.ErrInvalidQuantity
	}

	if err := r.client.Set(ctx, StockKey(itemID), quantity, 0).Err(); err != nil {
		return fmt.Errorf("set stock: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return nil
}

func (r *RedisAdapter) Deduct(ctx context.Context, itemID string, quantity int64) (bool, error) {
	if quantity <= 0 {
		return false, domain.ErrInvalidQuantity
	}

	result, err := deductStockScript.Run(ctx, r.client, []string{StockKey(itemID)}, quantity).Int()
	if err != nil {
		return false, fmt.Errorf("deduct stock: %w: %w", domain.ErrStoreUnavailable, err)
	}

	switch result {
	case deductSucceeded:
		return true, nil
	case deductInsufficient:
		return false, nil
	default:
		return false, fmt.Errorf("deduct stock: unexpected script result %d", result)
	}
}

func (r *RedisAdapter) Add(ctx context.Context, itemID string, quantity int64) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	if err := r.client.IncrBy(ctx, StockKey(itemID), quantity).Err(); err != nil {
		return fmt.Errorf("add stock: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return nil
}

func (r *RedisAdapter) Get(ctx context.Context, itemID string) (int64, error) {
	quantity, err := r.client.Get(ctx, StockKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get stock: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return quantity, nil
}
