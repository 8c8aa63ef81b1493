// Package dedup remembers which post-create events have already been
// flushed, so a redelivered event does not insert a second post.
package dedup

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/redis"
)

// Deduper tracks flushed event IDs across batches and restarts.
type Deduper interface {
	// Seen reports, for each ID, whether it was already flushed.
	Seen(ctx context.Context, ids []string) ([]bool, error)
	// Mark records ids as flushed.
	Mark(ctx context.Context, ids []string) error
}

// RedisDeduper stores one key per flushed event with a TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Deduper backed by client. Keys expire after ttl.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "pipeline:flushed:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, ids []string) ([]bool, error) {
	return d.client.ExistsEach(ctx, d.keys(ids))
}

func (d *RedisDeduper) Mark(ctx context.Context, ids []string) error {
	return d.client.SetEach(ctx, d.keys(ids), 1, d.ttl)
}

func (d *RedisDeduper) keys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.prefix + id
	}
	return keys
}

// Nop never reports an event as seen.
type Nop struct{}

func (Nop) Seen(_ context.Context, ids []string) ([]bool, error) {
	return make([]bool, len(ids)), nil
}

func (Nop) Mark(context.Context, []string) error { return nil }
