package replay

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// NewRedisAdapter wraps a go-redis client to satisfy RedisClient.
func NewRedisAdapter(client redis.UniversalClient) RedisClient {
	return &redisAdapter{client: client}
}

type redisAdapter struct {
	client redis.UniversalClient
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.client.Del(ctx, keys...).Result()
}

// NewRedisClient dials addr and checks connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
