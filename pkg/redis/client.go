// Package redis wraps go-redis/v9 with the batched key operations behind
// flushed-event deduplication. Every round trip covers a whole batch.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb *redis.Client
}

// NewClient connects to cfg.Addr and fails unless the server answers PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	c := &Client{rdb: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		c.rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// ExistsEach reports, for every key, whether it is present. All lookups
// travel in one pipeline round trip.
func (c *Client) ExistsEach(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: checking %d keys: %w", apperrors.ErrStoreUnavailable, len(keys), err)
	}
	found := make([]bool, len(keys))
	for i, cmd := range cmds {
		found[i] = cmd.Val() > 0
	}
	return found, nil
}

// SetEach stores value under every key with the given TTL in one pipeline.
func (c *Client) SetEach(ctx context.Context, keys []string, value any, ttl time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, key, value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: setting %d keys: %w", apperrors.ErrStoreUnavailable, len(keys), err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// Ping errors wrap apperrors.ErrStoreUnavailable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %w", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
