// Package rolecache caches organization role membership in Redis in front of
// the store lookup.
package rolecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source resolves a user's role ids within an organization.
type Source interface {
	ListUserRoleIDs(ctx context.Context, organizationID, userID string) ([]string, error)
}

// RedisCache serves role lookups from Redis and falls back to the source on
// miss or when Redis is unavailable.
type RedisCache struct {
	client *redis.Client
	source Source
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, source Source, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, source, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, source Source, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client: client,
		source: source,
		ttl:    ttl,
		prefix: "chatesg:roles:",
	}
}

func (c *RedisCache) key(organizationID, userID string) string {
	return c.prefix + organizationID + ":" + userID
}

// Client exposes the connection so other Redis consumers can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) ListUserRoleIDs(ctx context.Context, organizationID, userID string) ([]string, error) {
	key := c.key(organizationID, userID)
	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var roleIDs []string
		if jsonErr := json.Unmarshal(cached, &roleIDs); jsonErr == nil {
			return roleIDs, nil
		}
	} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	roleIDs, err := c.source.ListUserRoleIDs(ctx, organizationID, userID)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(roleIDs); err == nil {
		_ = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	return roleIDs, nil
}

// Invalidate drops the cached roles of one user, used when membership changes.
func (c *RedisCache) Invalidate(ctx context.Context, organizationID, userID string) error {
	if err := c.client.Del(ctx, c.key(organizationID, userID)).Err(); err != nil {
		return fmt.Errorf("invalidate roles: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
