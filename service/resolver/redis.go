package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fairswap:offer:"

// RedisCache stores resolved offer keys in Redis with a TTL.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache creates a cache over client. A zero ttl keeps entries forever.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get returns the cached key for account, if any.
func (c *RedisCache) Get(ctx context.Context, account solanago.PublicKey) (OfferKey, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+account.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return OfferKey{}, false, nil
	}
	if err != nil {
		return OfferKey{}, false, fmt.Errorf("get offer key: %w", err)
	}
	var key OfferKey
	if err := json.Unmarshal(val, &key); err != nil {
		return OfferKey{}, false, fmt.Errorf("unmarshal offer key: %w", err)
	}
	return key, true, nil
}

// Set caches key for account.
func (c *RedisCache) Set(ctx context.Context, account solanago.PublicKey, key OfferKey) error {
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal offer key: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+account.String(), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("set offer key: %w", err)
	}
	return nil
}
