// Package qdrant keeps embedding vectors in a Qdrant collection so they
// survive restarts and are shared between replicas.
package qdrant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/chatmemory/internal/httputil"
	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	"github.com/blueberrycongee/chatmemory/internal/metrics"
)

// Config holds configuration for the Qdrant vector cache.
type Config struct {
	Address    string        `yaml:"address"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Cache implements embedding.VectorCache on a Qdrant collection. Points are
// addressed by a UUID derived from the cache key.
type Cache struct {
	client     *http.Client
	apiBase    string
	apiKey     string
	collection string

	mu      sync.Mutex
	ensured bool
}

var _ embedding.VectorCache = (*Cache)(nil)

// NewCache creates a Qdrant vector cache. The collection is created on the
// first write, sized to the first vector stored.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	if cfg.Collection == "" {
		cfg.Collection = "chatmemory_vectors"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Cache{
		client:     &http.Client{Timeout: cfg.Timeout},
		apiBase:    strings.TrimRight(address, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
	}, nil
}

// PointID maps a cache key to its point id.
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// Get implements embedding.VectorCache.
func (c *Cache) Get(ctx context.Context, key string) (embedding.Vector, bool, error) {
	body := map[string]any{
		"ids":          []string{PointID(key)},
		"with_vector":  true,
		"with_payload": false,
	}

	var result struct {
		Result []struct {
			ID     string    `json:"id"`
			Vector []float32 `json:"vector"`
		} `json:"result"`
	}
	status, err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points", body, &result)
	if status == http.StatusNotFound {
		// Collection not created yet.
		metrics.EmbeddingCacheRequests.WithLabelValues("qdrant", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.EmbeddingCacheRequests.WithLabelValues("qdrant", "error").Inc()
		return nil, false, fmt.Errorf("qdrant retrieve: %w", err)
	}
	if len(result.Result) == 0 || len(result.Result[0].Vector) == 0 {
		metrics.EmbeddingCacheRequests.WithLabelValues("qdrant", "miss").Inc()
		return nil, false, nil
	}
	metrics.EmbeddingCacheRequests.WithLabelValues("qdrant", "hit").Inc()
	return embedding.Vector(result.Result[0].Vector), true, nil
}

// Set implements embedding.VectorCache.
func (c *Cache) Set(ctx context.Context, key string, vec embedding.Vector) error {
	if len(vec) == 0 {
		return nil
	}
	if err := c.ensureCollection(ctx, len(vec)); err != nil {
		return err
	}

	body := map[string]any{
		"points": []any{map[string]any{
			"id":      PointID(key),
			"vector":  []float32(vec),
			"payload": map[string]any{"key": key},
		}},
	}
	if _, err := c.do(ctx, http.MethodPut, "/collections/"+c.collection+"/points", body, nil); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

// ensureCollection creates the collection with cosine distance unless it
// already exists.
func (c *Cache) ensureCollection(ctx context.Context, dimension int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensured {
		return nil
	}

	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/collections/"+c.collection+"/exists", nil, &exists); err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists.Result.Exists {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if _, err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, body, nil); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	c.ensured = true
	return nil
}

// do sends a JSON request and decodes a 200 response into out. The status
// code is returned even when the request fails.
func (c *Cache) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var reader io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
