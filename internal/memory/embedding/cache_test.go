package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "hello|MiniLM", CacheKey("hello", "MiniLM"))
	assert.Equal(t, "hello|custom-bge", CacheKey("hello", "custom-bge"))
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", Vector{1, 2}))
	vec, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Vector{1, 2}, vec)
	assert.Equal(t, 1, c.Len())
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	s, client := newTestRedis(t)
	c := NewRedisCache(client, "test", time.Hour)

	_, ok, err := c.Get(ctx, "content|ada")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "content|ada", Vector{0.5, -0.25}))
	vec, ok, err := c.Get(ctx, "content|ada")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Vector{0.5, -0.25}, vec)

	keys := s.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "test:vector:")
	assert.Greater(t, s.TTL(keys[0]), time.Duration(0))
}

func TestRedisCache_Error(t *testing.T) {
	s, client := newTestRedis(t)
	c := NewRedisCache(client, "", 0)
	s.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestTieredCache(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	front := NewMemoryCache(0)
	back := NewRedisCache(client, "tier", 0)

	require.NoError(t, back.Set(ctx, "k", Vector{3}))

	tiered := NewTieredCache(front, back, nil)
	vec, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Vector{3}, vec)

	// promoted to the front tier
	vec, ok, _ = front.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, Vector{3}, vec)

	require.NoError(t, tiered.Set(ctx, "n", Vector{4}))
	_, ok, _ = back.Get(ctx, "n")
	assert.True(t, ok)
}

func TestTieredCache_BackErrorIsMiss(t *testing.T) {
	s, client := newTestRedis(t)
	tiered := NewTieredCache(NewMemoryCache(0), NewRedisCache(client, "tier", 0), nil)
	s.Close()

	_, ok, err := tiered.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}
