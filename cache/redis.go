/*
Package cache provides read-path balance caches.

PURPOSE:
  Caches derived balances so the "show my balance" read path does not
  hit the ledger head on every request. The cache is strictly
  advisory: debit authorization always reads the ledger head inside
  the atomic unit, and every append invalidates the cached entry.

IMPLEMENTATIONS:
  RedisBalanceCache: shared cache for multi-instance deployments
  (the memory store needs no cache; its head read is a map lookup)

STALENESS:
  Entries carry a TTL as a backstop. Correctness never depends on the
  cache; a stale read here can only make a balance display briefly
  out of date.
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/linkmarket/purchase-engine/ledger"
)

// DefaultTTL bounds how long a cached balance can outlive its
// invalidation being lost.
const DefaultTTL = 5 * time.Minute

// RedisBalanceCache implements ledger.BalanceCache over Redis.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBalanceCache connects to Redis at addr and verifies the
// connection.
func NewRedisBalanceCache(ctx context.Context, addr string) (*RedisBalanceCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBalanceCache{client: client, ttl: DefaultTTL}, nil
}

// WithTTL overrides the entry TTL. Returns the cache for chaining.
func (c *RedisBalanceCache) WithTTL(ttl time.Duration) *RedisBalanceCache {
	c.ttl = ttl
	return c
}

// Close releases the underlying connection pool.
func (c *RedisBalanceCache) Close() error {
	return c.client.Close()
}

func balanceKey(userID ledger.UserID) string {
	return "balance:" + string(userID)
}

// Get returns the cached balance for userID and whether it was present.
func (c *RedisBalanceCache) Get(ctx context.Context, userID ledger.UserID) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("cache get: %w", err)
	}

	d, err := decimal.NewFromString(val)
	if err != nil {
		// Unparseable entry, treat as a miss and drop it.
		c.client.Del(ctx, balanceKey(userID))
		return decimal.Zero, false, nil
	}
	return d, true, nil
}

// Set stores the balance for userID with the configured TTL.
func (c *RedisBalanceCache) Set(ctx context.Context, userID ledger.UserID, balance decimal.Decimal) error {
	if err := c.client.Set(ctx, balanceKey(userID), balance.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate drops the cached balance for userID.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, userID ledger.UserID) error {
	if err := c.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
