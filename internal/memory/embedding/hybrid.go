package embedding

import (
	"sort"
	"sync"
)

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60

// Weights blends vector and keyword ranks in hybrid search.
type Weights struct {
	Vector  float64
	Keyword float64
}

// DefaultWeights favours semantic similarity over lexical overlap.
var DefaultWeights = Weights{Vector: 0.6, Keyword: 0.4}

// WeightsFromRatio derives weights from a keyword share in [0,1].
func WeightsFromRatio(keywordRatio float64) Weights {
	return Weights{Vector: 1 - keywordRatio, Keyword: keywordRatio}.Normalize()
}

// Normalize scales w to sum to 1. Negative components are clamped to zero and
// a zero sum falls back to DefaultWeights.
func (w Weights) Normalize() Weights {
	if w.Vector < 0 {
		w.Vector = 0
	}
	if w.Keyword < 0 {
		w.Keyword = 0
	}
	sum := w.Vector + w.Keyword
	if sum <= 0 {
		return DefaultWeights
	}
	return Weights{Vector: w.Vector / sum, Keyword: w.Keyword / sum}
}

// Result is one scored chunk.
type Result struct {
	// ID is the owner of the chunk, such as a summary id.
	ID      string
	ChunkID string
	Content string
	Score   float64
}

type indexedChunk struct {
	id      string
	content string
	vector  Vector
}

// HybridIndex is the live search set: chunk vectors plus a BM25 index over the
// same chunks.
type HybridIndex struct {
	mu      sync.RWMutex
	chunks  map[string]*indexedChunk
	order   []string
	keyword *KeywordIndex
}

// NewHybridIndex creates an empty index.
func NewHybridIndex() *HybridIndex {
	return &HybridIndex{
		chunks:  make(map[string]*indexedChunk),
		keyword: NewKeywordIndex(),
	}
}

// Has reports whether chunkID is indexed.
func (h *HybridIndex) Has(chunkID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.chunks[chunkID]
	return ok
}

// Len returns the number of indexed chunks.
func (h *HybridIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chunks)
}

// Set indexes a chunk with its vector.
func (h *HybridIndex) Set(text Text, vec Vector) {
	h.mu.Lock()
	if _, exists := h.chunks[text.ChunkID]; !exists {
		h.order = append(h.order, text.ChunkID)
	}
	h.chunks[text.ChunkID] = &indexedChunk{id: text.ID, content: text.Content, vector: vec}
	h.mu.Unlock()

	h.keyword.Add(text.ChunkID, text.Content)
}

// VectorSearch scores every indexed chunk by cosine similarity to qv, best
// first. A non-positive limit returns all chunks.
func (h *HybridIndex) VectorSearch(qv Vector, limit int) []Result {
	h.mu.RLock()
	results := make([]Result, 0, len(h.order))
	for _, chunkID := range h.order {
		c := h.chunks[chunkID]
		results = append(results, Result{
			ID:      c.id,
			ChunkID: chunkID,
			Content: c.content,
			Score:   Cosine(qv, c.vector),
		})
	}
	h.mu.RUnlock()

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Search fuses keyword and vector rankings for query with weighted reciprocal
// rank fusion and returns the best limit chunks.
func (h *HybridIndex) Search(query string, qv Vector, limit int, w Weights) []Result {
	if limit <= 0 {
		limit = 10
	}
	w = w.Normalize()

	fused := make(map[string]float64)
	for rank, hit := range h.keyword.Search(query, limit*2) {
		fused[hit.ChunkID] += w.Keyword / float64(rrfK+rank+1)
	}
	for rank, hit := range h.VectorSearch(qv, limit*2) {
		fused[hit.ChunkID] += w.Vector / float64(rrfK+rank+1)
	}

	h.mu.RLock()
	results := make([]Result, 0, len(fused))
	for _, chunkID := range h.order {
		score, ok := fused[chunkID]
		if !ok {
			continue
		}
		c := h.chunks[chunkID]
		results = append(results, Result{ID: c.id, ChunkID: chunkID, Content: c.content, Score: score})
	}
	h.mu.RUnlock()

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
