package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
)

// VectorCache stores embeddings keyed by CacheKey. Entries are content
// addressed and never invalidated; a model change produces different keys.
type VectorCache interface {
	Get(ctx context.Context, key string) (Vector, bool, error)
	Set(ctx context.Context, key string, vec Vector) error
}

// CacheKey builds the persistent cache key for content embedded by model.
func CacheKey(content, model string) string {
	return content + "|" + model
}

// MemoryCache is a process-local VectorCache.
type MemoryCache struct {
	cache *cache.Cache
}

// NewMemoryCache creates a MemoryCache. A zero ttl keeps entries forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		return &MemoryCache{cache: cache.New(cache.NoExpiration, 0)}
	}
	return &MemoryCache{cache: cache.New(ttl, ttl*2)}
}

// Get implements VectorCache.
func (c *MemoryCache) Get(_ context.Context, key string) (Vector, bool, error) {
	if val, found := c.cache.Get(key); found {
		if vec, ok := val.(Vector); ok {
			metrics.EmbeddingCacheRequests.WithLabelValues("memory", "hit").Inc()
			return vec, true, nil
		}
	}
	metrics.EmbeddingCacheRequests.WithLabelValues("memory", "miss").Inc()
	return nil, false, nil
}

// Set implements VectorCache.
func (c *MemoryCache) Set(_ context.Context, key string, vec Vector) error {
	c.cache.Set(key, vec, cache.DefaultExpiration)
	return nil
}

// Len returns the number of cached vectors.
func (c *MemoryCache) Len() int {
	return c.cache.ItemCount()
}

// RedisCache persists vectors in Redis. Keys are hashed because raw content
// can be arbitrarily long.
type RedisCache struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisCache creates a RedisCache. A zero ttl stores entries without expiry.
func NewRedisCache(client goredis.UniversalClient, namespace string, ttl time.Duration) *RedisCache {
	if namespace == "" {
		namespace = "chatmemory"
	}
	return &RedisCache{client: client, namespace: namespace, ttl: ttl}
}

type cachedVector struct {
	Content   string `json:"content"`
	Embedding Vector `json:"embedding"`
}

func (c *RedisCache) prefixKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:vector:%s", c.namespace, hex.EncodeToString(sum[:]))
}

// Get implements VectorCache.
func (c *RedisCache) Get(ctx context.Context, key string) (Vector, bool, error) {
	data, err := c.client.Get(ctx, c.prefixKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		metrics.EmbeddingCacheRequests.WithLabelValues("redis", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.EmbeddingCacheRequests.WithLabelValues("redis", "error").Inc()
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry cachedVector
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cached vector: %w", err)
	}
	metrics.EmbeddingCacheRequests.WithLabelValues("redis", "hit").Inc()
	return entry.Embedding, true, nil
}

// Set implements VectorCache.
func (c *RedisCache) Set(ctx context.Context, key string, vec Vector) error {
	data, err := json.Marshal(cachedVector{Content: key, Embedding: vec})
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	if err := c.client.Set(ctx, c.prefixKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// TieredCache reads through a fast front cache to a persistent back cache and
// promotes back hits. Back cache errors are logged and treated as misses.
type TieredCache struct {
	front  VectorCache
	back   VectorCache
	logger *slog.Logger
}

// NewTieredCache layers front over back.
func NewTieredCache(front, back VectorCache, logger *slog.Logger) *TieredCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredCache{front: front, back: back, logger: logger}
}

// Get implements VectorCache.
func (c *TieredCache) Get(ctx context.Context, key string) (Vector, bool, error) {
	if vec, ok, err := c.front.Get(ctx, key); err == nil && ok {
		return vec, true, nil
	}
	vec, ok, err := c.back.Get(ctx, key)
	if err != nil {
		c.logger.Warn("persistent vector cache read failed", "error", err)
		return nil, false, nil
	}
	if ok {
		_ = c.front.Set(ctx, key, vec)
	}
	return vec, ok, nil
}

// Set implements VectorCache.
func (c *TieredCache) Set(ctx context.Context, key string, vec Vector) error {
	_ = c.front.Set(ctx, key, vec)
	return c.back.Set(ctx, key, vec)
}
