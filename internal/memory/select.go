package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	"github.com/blueberrycongee/chatmemory/internal/metrics"
	memerrors "github.com/blueberrycongee/chatmemory/pkg/errors"
)

// Selection strategies, in priority order.
const (
	StrategyImportant = "important"
	StrategyRecent    = "recent"
	StrategySimilar   = "similar"
	StrategyRandom    = "random"
)

const (
	// maxCorrectionAttempts bounds retries of the similarity correction
	// summary.
	maxCorrectionAttempts = 3
	// ratioEpsilon absorbs float error when ratios are meant to sum to 1.
	ratioEpsilon = 1e-9
)

// selection tracks which summaries each strategy picked, by id.
type selection struct {
	picked     map[string]struct{}
	byStrategy map[string][]string
}

func newSelection() *selection {
	return &selection{
		picked:     make(map[string]struct{}),
		byStrategy: make(map[string][]string),
	}
}

func (s *selection) add(strategy string, sum Summary) {
	s.picked[sum.ID] = struct{}{}
	s.byStrategy[strategy] = append(s.byStrategy[strategy], sum.ID)
}

func (s *selection) has(id string) bool {
	_, ok := s.picked[id]
	return ok
}

func (s *selection) unused(data *Data) []Summary {
	var out []Summary
	for _, sum := range data.Summaries {
		if !s.has(sum.ID) {
			out = append(out, sum)
		}
	}
	return out
}

// chronological returns the picked summaries in creation order.
func (s *selection) chronological(data *Data) []Summary {
	var out []Summary
	for _, sum := range data.Summaries {
		if s.has(sum.ID) {
			out = append(out, sum)
		}
	}
	return out
}

func (s *selection) indices(data *Data, strategy string) []int {
	ids := s.byStrategy[strategy]
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = data.IndexOf(id)
	}
	return out
}

func (s *selection) metrics(data *Data) *SelectionMetrics {
	for strategy, ids := range s.byStrategy {
		metrics.SelectedSummaries.WithLabelValues(strategy).Add(float64(len(ids)))
	}
	return &SelectionMetrics{
		LastImportantSummaries: s.indices(data, StrategyImportant),
		LastRecentSummaries:    s.indices(data, StrategyRecent),
		LastSimilarSummaries:   s.indices(data, StrategySimilar),
		LastRandomSummaries:    s.indices(data, StrategyRandom),
	}
}

// budget is the token allowance of one strategy.
type budget struct {
	reserved int
	consumed int
}

func (b *budget) fits(tokens int) bool {
	return tokens+b.consumed <= b.reserved
}

func (b *budget) take(tokens int) {
	b.consumed += tokens
}

func (b *budget) unused() int {
	return b.reserved - b.consumed
}

// selectSummaries applies the four strategies in order. Later strategies
// inherit what earlier ones left unused. It returns a non-nil Result only on
// failure.
func (r *run) selectSummaries(ctx context.Context) (*selection, *Result) {
	ctx, end := r.phase(ctx, "select")
	defer end()

	sel := newSelection()
	randomRatio := r.settings.RandomMemoryRatio()
	if randomRatio < ratioEpsilon {
		randomRatio = 0
	}

	r.selectImportant(sel)

	recent := &budget{reserved: floorTokens(r.availableTokens, r.settings.RecentMemoryRatio)}
	if r.settings.RecentMemoryRatio > 0 {
		r.selectRecent(sel, recent)
	}

	similar := &budget{reserved: floorTokens(r.availableTokens, r.settings.SimilarMemoryRatio)}
	if r.settings.SimilarMemoryRatio > 0 {
		if randomRatio <= 0 {
			similar.reserved += recent.unused()
		}
		if err := r.selectSimilar(ctx, sel, similar); err != nil {
			return nil, r.fail(err, r.data)
		}
	}

	random := &budget{reserved: floorTokens(r.availableTokens, randomRatio)}
	if randomRatio > 0 {
		random.reserved += recent.unused() + similar.unused()
		r.selectRandom(sel, random)
	}

	r.logger.Debug("selected summaries",
		"important", len(sel.byStrategy[StrategyImportant]),
		"recent", len(sel.byStrategy[StrategyRecent]),
		"similar", len(sel.byStrategy[StrategySimilar]),
		"random", len(sel.byStrategy[StrategyRandom]),
		"available_tokens", r.availableTokens,
	)
	return sel, nil
}

// selectImportant takes important summaries in creation order and stops at
// the first one that does not fit. Their cost comes off the shared budget.
func (r *run) selectImportant(sel *selection) {
	for _, sum := range r.data.Summaries {
		if !sum.IsImportant {
			continue
		}
		tokens := r.summaryTokens(sum)
		if tokens > r.availableTokens {
			break
		}
		sel.add(StrategyImportant, sum)
		r.availableTokens -= tokens
	}
}

// selectRecent takes the newest unused summaries until one does not fit.
func (r *run) selectRecent(sel *selection, b *budget) {
	unused := sel.unused(r.data)
	for i := len(unused) - 1; i >= 0; i-- {
		tokens := r.summaryTokens(unused[i])
		if !b.fits(tokens) {
			break
		}
		sel.add(StrategyRecent, unused[i])
		b.take(tokens)
	}
}

// selectSimilar ranks unused summaries against the latest turns and takes
// the best until one does not fit.
func (r *run) selectSimilar(ctx context.Context, sel *selection, b *budget) error {
	if r.engine.indexes == nil {
		r.logger.Debug("similarity index not configured, skipping similar selection")
		return nil
	}

	index, err := r.engine.indexes(r.settings)
	if err != nil {
		return memerrors.NewSimilaritySearchError(err)
	}

	unused := sel.unused(r.data)
	byID := make(map[string]Summary, len(unused))
	var texts []embedding.Text
	for _, sum := range unused {
		byID[sum.ID] = sum
		for i, chunk := range paragraphs(sum.Text, true) {
			texts = append(texts, embedding.Text{
				ID:      sum.ID,
				ChunkID: fmt.Sprintf("%s-%d", sum.ID, i),
				Content: chunk,
			})
		}
	}
	if err := index.AddTexts(ctx, texts); err != nil {
		return memerrors.NewSimilaritySearchError(err)
	}

	queries := r.similarityQueries()
	if r.settings.EnableSimilarityCorrection {
		correction, err := r.correctionSummary(ctx)
		if err != nil {
			return memerrors.NewSimilaritySearchError(err)
		}
		queries = append(queries, paragraphs(correction, false)...)
	}
	if len(queries) == 0 {
		return nil
	}

	scored, err := index.ScoreByOwner(ctx, queries, embedding.DefaultTopK)
	if err != nil {
		return memerrors.NewSimilaritySearchError(err)
	}

	for _, hit := range scored {
		sum, ok := byID[hit.ID]
		if !ok || sel.has(sum.ID) {
			continue
		}
		tokens := r.summaryTokens(sum)
		if !b.fits(tokens) {
			break
		}
		sel.add(StrategySimilar, sum)
		b.take(tokens)
	}
	return nil
}

// similarityQueries splits the last MinChatsForSimilarity non-empty turns
// into paragraphs.
func (r *run) similarityQueries() []string {
	chats := r.req.Chats
	if len(chats) > MinChatsForSimilarity {
		chats = chats[len(chats)-MinChatsForSimilarity:]
	}
	var queries []string
	for _, turn := range chats {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		queries = append(queries, paragraphs(turn.Content, false)...)
	}
	return queries
}

// correctionSummary summarizes the latest turns so that similarity also
// matches their gist, retrying a bounded number of times. Each paragraph of
// the result becomes a query.
func (r *run) correctionSummary(ctx context.Context) (string, error) {
	summarizer, err := r.getSummarizer()
	if err != nil {
		return "", err
	}

	chats := r.req.Chats
	if len(chats) > MinChatsForSimilarity {
		chats = chats[len(chats)-MinChatsForSimilarity:]
	}

	var lastErr error
	for attempt := 1; attempt <= maxCorrectionAttempts; attempt++ {
		text, err := summarizer.Summarize(ctx, chats)
		if err == nil {
			return text, nil
		}
		lastErr = err
		r.logger.Warn("similarity correction attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("similarity correction failed after %d attempts: %w", maxCorrectionAttempts, lastErr)
}

// selectRandom packs shuffled unused summaries, skipping any that do not fit.
func (r *run) selectRandom(sel *selection, b *budget) {
	unused := sel.unused(r.data)
	r.engine.shuffle(unused)
	for _, sum := range unused {
		tokens := r.summaryTokens(sum)
		if !b.fits(tokens) {
			continue
		}
		sel.add(StrategyRandom, sum)
		b.take(tokens)
	}
}

// paragraphs splits text on blank lines and drops empty pieces. When trim is
// set the pieces themselves are trimmed.
func paragraphs(text string, trim bool) []string {
	var out []string
	for _, p := range strings.Split(text, summarySeparator) {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if trim {
			p = strings.TrimSpace(p)
		}
		out = append(out, p)
	}
	return out
}
