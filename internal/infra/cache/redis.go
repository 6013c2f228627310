package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// RedisLock реализует domain.WindowLock через Redis.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
}

var _ domain.WindowLock = (*RedisLock)(nil)

// NewRedisLock создаёт блокировку окон. prefix добавляется к каждому ключу.
func NewRedisLock(client redis.UniversalClient, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix}
}

// Acquire захватывает ключ на ttl. Возвращает false, если ключ уже занят другим экземпляром.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "window_lock", start, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Ping проверяет доступность Redis.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
