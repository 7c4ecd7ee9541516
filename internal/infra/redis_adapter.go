// Package infra holds the concrete Redis adapter. It satisfies both the
// event relay's pub/sub surface and the currency service's rate cache, so
// one connection pool serves both. When Redis is disabled the callers fall
// back to their in-memory implementations in main.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter wraps go-redis v9. It implements events.RedisPubSubClient
// and currency.RateCache.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects and pings. The caller decides whether a
// connection failure is fatal or a reason to fall back to in-memory.
func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// events.RedisPubSubClient
// =============================================================================

func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel and
// returns an unsubscribe function.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation before handing back control.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// =============================================================================
// currency.RateCache
// =============================================================================

const ratePrefix = "zenith:fx:"

func (a *RedisAdapter) GetRate(ctx context.Context, key string) (float64, bool) {
	val, err := a.rdb.Get(ctx, ratePrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("Rate cache read failed", "key", key, "error", err)
		}
		return 0, false
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return rate, true
}

func (a *RedisAdapter) SetRate(ctx context.Context, key string, rate float64, ttl time.Duration) {
	val := strconv.FormatFloat(rate, 'f', -1, 64)
	if err := a.rdb.Set(ctx, ratePrefix+key, val, ttl).Err(); err != nil {
		slog.Warn("Rate cache write failed", "key", key, "error", err)
	}
}
