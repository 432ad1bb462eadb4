package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease не даёт двум экземплярам сервиса сверять одну операцию одновременно.
type Lease interface {
	// Acquire возвращает токен владельца; ok=false, если ключ занят.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// NopLease используется без Redis, когда сервис запущен в одном экземпляре.
type NopLease struct{}

func (NopLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", true, nil
}

func (NopLease) Release(context.Context, string, string) error { return nil }

type redisStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLease аренда через SET NX с TTL. Снимается только владельцем.
type RedisLease struct {
	client redisStore
	prefix string
}

func NewRedisLease(client redisStore, prefix string) *RedisLease {
	return &RedisLease{client: client, prefix: prefix}
}

// NewRedisClient разбирает REDIS_URL и проверяет соединение.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lease: setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	value, err := l.client.Get(ctx, l.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("lease: read owner: %w", err)
	}
	if value != token {
		return nil
	}
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("lease: delete: %w", err)
	}
	return nil
}
