package devicestore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"chatcore/server/common/infra/cache"
)

const redisNamespace = "chatcore:"

type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := cache.NewClient(cache.Config{Addr: addr})
	if err := cache.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client; Close closes it.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, redisNamespace+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores without expiry; a device id must outlive any session.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, redisNamespace+key, value, 0).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
