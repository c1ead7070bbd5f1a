package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const redisPriceKey = "price:current:sol_usd"

// SharedCache shares the last fetched price between instances.
type SharedCache interface {
	Get(ctx context.Context) (decimal.Decimal, bool, error)
	Set(ctx context.Context, price decimal.Decimal, ttl time.Duration) error
}

// RedisCache stores the price as a string key with a TTL.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache creates a RedisCache on client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, key: redisPriceKey}
}

// Get returns the cached price. A missing key is not an error.
func (c *RedisCache) Get(ctx context.Context) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, false, nil
	}
	return price, true, nil
}

// Set stores price for ttl.
func (c *RedisCache) Set(ctx context.Context, price decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, c.key, price.String(), ttl).Err()
}
