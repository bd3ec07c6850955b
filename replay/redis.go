package replay

import (
	"context"
	"fmt"
	"time"
)

// RedisClient is the subset of go-redis used by RedisGuard.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

// RedisGuard shares claims between server replicas.
type RedisGuard struct {
	client RedisClient
	prefix string
}

func NewRedisGuard(client RedisClient, prefix string) (*RedisGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("replay: redis client required")
	}
	if prefix == "" {
		prefix = "q402:payment"
	}
	return &RedisGuard{client: client, prefix: prefix}, nil
}

func (g *RedisGuard) Claim(ctx context.Context, paymentID string, ttl time.Duration) (bool, error) {
	key, err := g.key(paymentID)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := g.client.SetNX(ctx, key, time.Now().Unix(), ttl)
	if err != nil {
		return false, fmt.Errorf("replay: claim %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, paymentID string) error {
	key, err := g.key(paymentID)
	if err != nil {
		return err
	}
	if _, err := g.client.Del(ctx, key); err != nil {
		return fmt.Errorf("replay: release %s: %w", key, err)
	}
	return nil
}

func (g *RedisGuard) key(paymentID string) (string, error) {
	id, err := normalize(paymentID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", g.prefix, id), nil
}
