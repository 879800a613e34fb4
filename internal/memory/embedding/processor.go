package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/blueberrycongee/chatmemory/internal/resilience"
)

// DefaultTopK is the number of chunks kept per query in hybrid search.
const DefaultTopK = 10

// Text is a chunk to embed. ID names the owning record and ChunkID the chunk
// within it.
type Text struct {
	ID      string
	ChunkID string
	Content string
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Client Client
	// Cache persists vectors across runs. Nil disables persistence.
	Cache VectorCache
	// Limiter gates remote embedding requests. Nil runs chunks sequentially.
	Limiter *resilience.TaskRateLimiter
	Weights Weights
	Profile ChunkProfile
	// Progress is called after each local chunk with the number of texts done.
	Progress func(done, total int)
	Logger   *slog.Logger
}

// Processor embeds texts, keeps a live search set and answers similarity
// queries against it. A Processor is scoped to one engine run; vectors
// outlive it through the Cache.
type Processor struct {
	client   Client
	cache    VectorCache
	limiter  *resilience.TaskRateLimiter
	weights  Weights
	profile  ChunkProfile
	progress func(done, total int)
	logger   *slog.Logger
	index    *HybridIndex
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Client == nil {
		return nil, errors.New("embedding client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		client:   cfg.Client,
		cache:    cfg.Cache,
		limiter:  cfg.Limiter,
		weights:  cfg.Weights.Normalize(),
		profile:  cfg.Profile,
		progress: cfg.Progress,
		logger:   cfg.Logger,
		index:    NewHybridIndex(),
	}, nil
}

// Index exposes the live search set.
func (p *Processor) Index() *HybridIndex {
	return p.index
}

// AddTexts embeds items that are not yet indexed and adds them to the live
// search set. Vectors computed before a failure stay cached and indexed.
func (p *Processor) AddTexts(ctx context.Context, items []Text) error {
	var misses []Text
	for _, item := range items {
		if p.index.Has(item.ChunkID) {
			continue
		}
		if vec, ok := p.cached(ctx, item.Content); ok {
			p.index.Set(item, vec)
			continue
		}
		misses = append(misses, item)
	}
	if len(misses) == 0 {
		return nil
	}

	contents := make([]string, len(misses))
	for i, item := range misses {
		contents[i] = item.Content
	}
	return p.fetch(ctx, contents, func(offset int, vecs []Vector) {
		for i, vec := range vecs {
			item := misses[offset+i]
			p.store(ctx, item.Content, vec)
			p.index.Set(item, vec)
		}
	})
}

// Embed returns vectors for texts using the cache, without indexing them.
func (p *Processor) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := p.cached(ctx, text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	err := p.fetch(ctx, missTexts, func(offset int, vecs []Vector) {
		for i, vec := range vecs {
			p.store(ctx, missTexts[offset+i], vec)
			out[missIdx[offset+i]] = vec
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SimilaritySearchScoredBatch scores every indexed chunk against each query
// by cosine similarity, best first.
func (p *Processor) SimilaritySearchScoredBatch(ctx context.Context, queries []string) ([][]Result, error) {
	unique, positions := dedupe(queries)
	vecs, err := p.Embed(ctx, unique)
	if err != nil {
		return nil, err
	}

	perUnique := make([][]Result, len(unique))
	for i, vec := range vecs {
		perUnique[i] = p.index.VectorSearch(vec, 0)
	}

	out := make([][]Result, len(queries))
	for i, u := range positions {
		out[i] = perUnique[u]
	}
	return out, nil
}

// HybridSearch runs hybrid search for each query and returns topK results per
// query, in query order. Later queries are treated as more recent: scores are
// scaled by max(0.2, 1 - d/n) where d is the distance from the last query.
func (p *Processor) HybridSearch(ctx context.Context, queries []string, topK int) ([][]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	unique, positions := dedupe(queries)
	vecs, err := p.Embed(ctx, unique)
	if err != nil {
		return nil, err
	}

	perUnique := make([][]Result, len(unique))
	for i, vec := range vecs {
		perUnique[i] = p.index.Search(unique[i], vec, topK, p.weights)
	}

	weights := RecencyWeights(len(queries))
	out := make([][]Result, len(queries))
	for i, u := range positions {
		scaled := make([]Result, len(perUnique[u]))
		for j, r := range perUnique[u] {
			r.Score *= weights[i]
			scaled[j] = r
		}
		out[i] = scaled
	}
	return out, nil
}

// ScoreByOwner accumulates hybrid scores per owning record across all queries
// and normalises them by the maximum. Owners are returned best first.
func (p *Processor) ScoreByOwner(ctx context.Context, queries []string, topK int) ([]Result, error) {
	batches, err := p.HybridSearch(ctx, queries, topK)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	var order []string
	for _, batch := range batches {
		for _, r := range batch {
			if _, seen := totals[r.ID]; !seen {
				order = append(order, r.ID)
			}
			totals[r.ID] += r.Score
		}
	}

	var maxScore float64
	for _, score := range totals {
		maxScore = math.Max(maxScore, score)
	}

	scored := make([]Result, 0, len(order))
	for _, id := range order {
		score := totals[id]
		if maxScore > 0 {
			score /= maxScore
		}
		scored = append(scored, Result{ID: id, Score: score})
	}
	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].Score > scored[b].Score
	})
	return scored, nil
}

// RecencyWeights returns n weights that grow linearly from the first to the
// last position, never below 0.2.
func RecencyWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := 0; i < n; i++ {
		distance := n - 1 - i
		weights[i] = math.Max(0.2, 1-float64(distance)/float64(n))
	}
	return weights
}

func (p *Processor) cached(ctx context.Context, content string) (Vector, bool) {
	if p.cache == nil {
		return nil, false
	}
	vec, ok, err := p.cache.Get(ctx, CacheKey(content, p.client.CacheModel()))
	if err != nil {
		p.logger.Warn("vector cache read failed", "error", err)
		return nil, false
	}
	return vec, ok
}

func (p *Processor) store(ctx context.Context, content string, vec Vector) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, CacheKey(content, p.client.CacheModel()), vec); err != nil {
		p.logger.Warn("vector cache write failed", "error", err)
	}
}

type textChunk struct {
	offset int
	texts  []string
}

// fetch embeds texts chunk by chunk and hands each successful chunk to commit.
// Local models run sequentially; remote models run in parallel through the
// limiter and report the first non-cancellation failure.
func (p *Processor) fetch(ctx context.Context, texts []string, commit func(offset int, vecs []Vector)) error {
	size := OptimalChunkSize(p.client.Local(), p.profile)
	var chunks []textChunk
	offset := 0
	for _, c := range chunk(texts, size) {
		chunks = append(chunks, textChunk{offset: offset, texts: c})
		offset += len(c)
	}

	if p.client.Local() || p.limiter == nil {
		done := 0
		for _, c := range chunks {
			vecs, err := p.embedChunk(ctx, c.texts)
			if err != nil {
				return err
			}
			commit(c.offset, vecs)
			done += len(c.texts)
			if p.progress != nil {
				p.progress(done, len(texts))
			}
		}
		return nil
	}

	fns := make([]func(ctx context.Context) ([]Vector, error), len(chunks))
	for i, c := range chunks {
		c := c
		fns[i] = func(ctx context.Context) ([]Vector, error) {
			return p.embedChunk(ctx, c.texts)
		}
	}

	batch := resilience.ExecuteBatch(ctx, p.limiter, fns)
	for i, res := range batch.Results {
		if res.Success {
			commit(chunks[i].offset, res.Data)
		}
	}
	if !batch.AllSucceeded {
		err := resilience.RepresentativeError(batch.Errors())
		p.logger.Warn("embedding batch failed",
			"succeeded", batch.SuccessCount,
			"failed", batch.FailureCount,
			"error", err,
		)
		return err
	}
	return nil
}

func (p *Processor) embedChunk(ctx context.Context, texts []string) ([]Vector, error) {
	vecs, err := p.client.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding backend returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// dedupe returns the distinct queries in first-seen order and, for each input
// position, the index of its distinct query.
func dedupe(queries []string) ([]string, []int) {
	seen := make(map[string]int, len(queries))
	unique := make([]string, 0, len(queries))
	positions := make([]int, len(queries))
	for i, q := range queries {
		idx, ok := seen[q]
		if !ok {
			idx = len(unique)
			seen[q] = idx
			unique = append(unique, q)
		}
		positions[i] = idx
	}
	return unique, positions
}
