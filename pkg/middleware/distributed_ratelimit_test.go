package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "test")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.RetryAfter)

	assert.True(t, mr.Exists("test:user:a"))
	assert.Equal(t, time.Minute, mr.TTL("test:user:a"))

	mr.FastForward(time.Minute + time.Second)
	res, err = limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestDistributedRateLimiter_KeyWithoutExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}, "")

	require.NoError(t, mr.Set("tollgate:ratelimit:ip:192.0.2.1", "2"))

	res, err := limiter.Allow(context.Background(), "ip:192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("tollgate:ratelimit:ip:192.0.2.1"))
}

func TestDistributedRateLimiter_SharedAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	config := &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	a := NewDistributedRateLimiter(client, config, "shared")
	b := NewDistributedRateLimiter(client, config, "shared")
	ctx := context.Background()

	_, err := a.Allow(ctx, "k")
	require.NoError(t, err)
	_, err = b.Allow(ctx, "k")
	require.NoError(t, err)

	res, err := a.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, b.Reset(ctx, "k"))
	res, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewDistributedRateLimiter(client, nil, "")
	mr.Close()

	_, err := limiter.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, limiter.HealthCheck(context.Background()))
}
