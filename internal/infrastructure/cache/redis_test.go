package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewBalanceCache(client, time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "0xabc", 42))
	v, ok, err := c.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok, "过期后不应命中")

	require.NoError(t, c.Set(ctx, "0xabc", 7))
	require.NoError(t, c.Invalidate(ctx, "0xabc", "0xdef"))
	_, ok, _ = c.Get(ctx, "0xabc")
	assert.False(t, ok)
}

func TestNilBalanceCache(t *testing.T) {
	var c *BalanceCache
	_, ok, err := c.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Set(context.Background(), "x", 1))
	assert.NoError(t, c.Invalidate(context.Background(), "x"))
}
