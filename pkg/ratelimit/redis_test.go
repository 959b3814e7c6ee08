package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/conduit/pkg/models"
)

func TestRedisTryAcquire(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := NewRedis(rdb, fixedPlan(3, 1))
	now := time.UnixMilli(1_700_000_000_000)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("Burst within capacity", func(t *testing.T) {
		key := Key{TenantID: "tenant-1", Operation: models.OpSummarize}
		for i := 0; i < 3; i++ {
			d, err := limiter.TryAcquire(ctx, key, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d", i)
		}
		d, err := limiter.TryAcquire(ctx, key, 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Second, d.RetryAfter)
	})

	t.Run("Refill after time passes", func(t *testing.T) {
		key := Key{TenantID: "tenant-2", Operation: models.OpSentiment}
		d, err := limiter.TryAcquire(ctx, key, 3)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		now = now.Add(2 * time.Second)
		d, err = limiter.TryAcquire(ctx, key, 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.InDelta(t, 0, d.Remaining, 0.001)
	})

	t.Run("Keys are isolated", func(t *testing.T) {
		a := Key{TenantID: "tenant-3", Operation: models.OpEmbed}
		b := Key{TenantID: "tenant-4", Operation: models.OpEmbed}
		d, err := limiter.TryAcquire(ctx, a, 3)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		d, err = limiter.TryAcquire(ctx, b, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("Bucket key has expiry", func(t *testing.T) {
		key := Key{TenantID: "tenant-5", Operation: models.OpDigest}
		_, err := limiter.TryAcquire(ctx, key, 1)
		require.NoError(t, err)
		assert.True(t, s.TTL("conduit:rl:{tenant-5}:digest") > 0)
	})
}

func TestRedisUnavailable(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s.Close()

	limiter := NewRedis(rdb, fixedPlan(1, 1))
	_, err := limiter.TryAcquire(context.Background(), Key{TenantID: "t", Operation: models.OpEmbed}, 1)
	assert.Error(t, err)
}
