package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-summary-bot/internal/infra/metrics"
)

// ErrMiss возвращается, когда ключ отсутствует в кэше.
var ErrMiss = errors.New("cache: key not found")

// RedisCache реализует domain.Cache через Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedis создаёт кэш поверх подключения к Redis.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set задаёт значение с TTL.
func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.client.Set(context.Background(), key, value, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", "cache", start, err)
	return err
}

// Get возвращает значение либо ErrMiss.
func (c *RedisCache) Get(key string) ([]byte, error) {
	start := time.Now()
	data, err := c.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get", "cache", start, nil)
		return nil, ErrMiss
	}
	metrics.ObserveNetworkRequest("redis", "get", "cache", start, err)
	return data, err
}
