package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	d := NewRedis(client, "test:", time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, seen)

	require.NoError(t, d.Mark(ctx, []string{"e1"}))
	assert.True(t, mr.Exists("test:e1"))

	seen, err = d.Seen(ctx, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, seen)

	mr.FastForward(2 * time.Hour)
	seen, err = d.Seen(ctx, []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, seen)
}

func TestNop(t *testing.T) {
	seen, err := Nop{}.Seen(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, seen)
	assert.NoError(t, Nop{}.Mark(context.Background(), []string{"a"}))
}
