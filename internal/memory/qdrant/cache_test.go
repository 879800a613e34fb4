package qdrant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
)

// fakeQdrant serves the subset of the Qdrant REST API the cache uses.
type fakeQdrant struct {
	mu         sync.Mutex
	collection string
	size       int
	points     map[string][]float32
	creates    int
	apiKey     string
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey = r.Header.Get("api-key")

	base := "/collections/vectors"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == base+"/exists":
		writeResult(w, map[string]bool{"exists": f.collection != ""})
	case r.Method == http.MethodPut && r.URL.Path == base:
		var body struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.collection = "vectors"
		f.size = body.Vectors.Size
		f.creates++
		writeResult(w, true)
	case f.collection == "" && strings.HasPrefix(r.URL.Path, base+"/"):
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	case r.Method == http.MethodPut && r.URL.Path == base+"/points":
		var body struct {
			Points []struct {
				ID     string    `json:"id"`
				Vector []float32 `json:"vector"`
			} `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			if len(p.Vector) != f.size {
				http.Error(w, `{"status":{"error":"wrong vector size"}}`, http.StatusBadRequest)
				return
			}
			f.points[p.ID] = p.Vector
		}
		writeResult(w, map[string]string{"status": "completed"})
	case r.Method == http.MethodPost && r.URL.Path == base+"/points":
		var body struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		found := []map[string]any{}
		for _, id := range body.IDs {
			if vec, ok := f.points[id]; ok {
				found = append(found, map[string]any{"id": id, "vector": vec})
			}
		}
		writeResult(w, found)
	default:
		http.Error(w, "unexpected", http.StatusTeapot)
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func newTestCache(t *testing.T) (*Cache, *fakeQdrant) {
	t.Helper()
	fake := &fakeQdrant{points: map[string][]float32{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewCache(Config{Address: srv.URL, APIKey: "qk", Collection: "vectors"})
	require.NoError(t, err)
	return c, fake
}

func TestNewCache_RequiresAddress(t *testing.T) {
	_, err := NewCache(Config{})
	assert.Error(t, err)
}

func TestNewCache_AddsScheme(t *testing.T) {
	c, err := NewCache(Config{Address: "qdrant:6333/"})
	require.NoError(t, err)
	assert.Equal(t, "http://qdrant:6333", c.apiBase)
	assert.Equal(t, "chatmemory_vectors", c.collection)
}

func TestCache_MissBeforeCollectionExists(t *testing.T) {
	c, _ := newTestCache(t)
	vec, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, vec)
}

func TestCache_SetThenGet(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()
	key := embedding.CacheKey("hello world", "miniLM")

	require.NoError(t, c.Set(ctx, key, embedding.Vector{0.1, 0.2, 0.3}))
	require.NoError(t, c.Set(ctx, "other", embedding.Vector{1, 0, 0}))

	vec, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, []float32(vec), 1e-6)

	_, ok, err = c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.creates, "collection is created once")
	assert.Equal(t, 3, fake.size)
	assert.Equal(t, "qk", fake.apiKey)
	assert.Contains(t, fake.points, PointID(key))
}

func TestCache_UpsertError(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", embedding.Vector{1, 2}))
	err := c.Set(ctx, "b", embedding.Vector{1, 2, 3})
	assert.ErrorContains(t, err, "wrong vector size")
}

func TestCache_EmptyVectorIsIgnored(t *testing.T) {
	c, fake := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "a", nil))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.creates)
}

func TestPointID_IsStable(t *testing.T) {
	assert.Equal(t, PointID("k"), PointID("k"))
	assert.NotEqual(t, PointID("k"), PointID("j"))
}
