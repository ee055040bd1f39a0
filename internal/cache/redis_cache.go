package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores feedback in a single Redis hash scoped to one session,
// so several worker processes of the same session share hits.
type RedisCache struct {
	client *redis.Client
	hash   string
}

// NewRedisCache creates a cache under "videocoach:feedback:<sessionID>"
func NewRedisCache(client *redis.Client, sessionID string) *RedisCache {
	return &RedisCache{
		client: client,
		hash:   fmt.Sprintf("videocoach:feedback:%s", sessionID),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	feedback, err := c.client.HGet(ctx, c.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis cache get: %w", err)
	}
	return feedback, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, feedback string) error {
	if err := c.client.HSet(ctx, c.hash, key, feedback).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.client.HLen(ctx, c.hash).Result()
	if err != nil {
		return 0, fmt.Errorf("redis cache len: %w", err)
	}
	return int(n), nil
}

// Clear drops every entry of the session
func (c *RedisCache) Clear(ctx context.Context) error {
	return c.client.Del(ctx, c.hash).Err()
}
