package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	memerrors "github.com/blueberrycongee/chatmemory/pkg/errors"
)

// wordTokenizer charges one token per whitespace-separated word.
var wordTokenizer = TokenizerFunc(func(turn Turn) int {
	return len(strings.Fields(turn.Content))
})

type fakeSummarizer struct {
	mu       sync.Mutex
	local    bool
	calls    [][]Turn
	texts    []string
	err      error
	released int
}

func (s *fakeSummarizer) Summarize(_ context.Context, turns []Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, turns)
	if s.err != nil {
		return "", s.err
	}
	if n := len(s.calls); n <= len(s.texts) {
		return s.texts[n-1], nil
	}
	return fmt.Sprintf("summary %d", len(s.calls)), nil
}

func (s *fakeSummarizer) Local() bool { return s.local }

func (s *fakeSummarizer) Release(context.Context) error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return nil
}

func (s *fakeSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeIndex struct {
	added   []embedding.Text
	queries []string
	scores  []embedding.Result
	err     error
}

func (i *fakeIndex) AddTexts(_ context.Context, items []embedding.Text) error {
	i.added = append(i.added, items...)
	return nil
}

func (i *fakeIndex) ScoreByOwner(_ context.Context, queries []string, _ int) ([]embedding.Result, error) {
	i.queries = append(i.queries, queries...)
	if i.err != nil {
		return nil, i.err
	}
	return i.scores, nil
}

func newTestEngine(t *testing.T, tok Tokenizer, sum *fakeSummarizer, index SimilarityIndex) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Tokenizer:   tok,
		Summarizers: func(Settings) (Summarizer, error) { return sum, nil },
		Dispatch:    SequentialDispatch(),
		Rand:        rand.New(rand.NewSource(1)),
	}
	if index != nil {
		cfg.Indexes = func(Settings) (SimilarityIndex, error) { return index, nil }
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

// fifteenWordTurns builds n turns of 15 tokens each with memos m0..m(n-1).
func fifteenWordTurns(n int) []Turn {
	turns := make([]Turn, n)
	for i := range turns {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		words := make([]string, 15)
		for w := range words {
			words[w] = fmt.Sprintf("t%dw%d", i, w)
		}
		turns[i] = Turn{Role: role, Content: strings.Join(words, " "), Memo: fmt.Sprintf("m%d", i)}
	}
	return turns
}

func TestNewEngine_Requires(t *testing.T) {
	_, err := NewEngine(EngineConfig{Summarizers: func(Settings) (Summarizer, error) { return nil, nil }})
	assert.Error(t, err)
	_, err = NewEngine(EngineConfig{Tokenizer: wordTokenizer})
	assert.Error(t, err)
}

func TestRun_SummarizesOverflow(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	chats := fifteenWordTurns(10)

	res, err := e.Run(context.Background(), Request{
		Chats:            chats,
		CurrentTokens:    150,
		MaxContextTokens: 100,
	}, nil, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.Equal(t, 1, sum.callCount())
	assert.Equal(t, chats[:6], sum.calls[0])

	require.Len(t, res.Memory.Summaries, 1)
	s := res.Memory.Summaries[0]
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "summary 1", s.Text)
	assert.False(t, s.IsImportant)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, s.ChatMemos.Values())

	require.Len(t, res.Chats, 5)
	assert.Equal(t, Turn{
		Role:    RoleSystem,
		Content: "<Past Events Summary>\nsummary 1\n</Past Events Summary>",
		Memo:    MemoMemoryPrompt,
	}, res.Chats[0])
	assert.Equal(t, chats[6:], res.Chats[1:])

	// 150 - 90 summarized + 8 for the memory block.
	assert.Equal(t, 68, res.CurrentTokens)
	assert.LessOrEqual(t, res.CurrentTokens, 100)

	require.NotNil(t, res.Memory.Metrics)
	assert.Equal(t, []int{0}, res.Memory.Metrics.LastRecentSummaries)
}

func TestRun_Idempotent(t *testing.T) {
	skipUser := DefaultSettings()
	skipUser.DoNotSummarizeUserMessage = true

	tests := []struct {
		name     string
		settings Settings
	}{
		{"all turns summarizable", DefaultSettings()},
		{"batch ends on skipped turn", skipUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := &fakeSummarizer{}
			e := newTestEngine(t, wordTokenizer, sum, nil)
			req := Request{Chats: fifteenWordTurns(10), CurrentTokens: 150, MaxContextTokens: 100}

			first, err := e.Run(context.Background(), req, nil, tt.settings)
			require.NoError(t, err)
			require.NoError(t, first.Err)

			second, err := e.Run(context.Background(), req, first.Memory, tt.settings)
			require.NoError(t, err)
			require.NoError(t, second.Err)

			assert.Equal(t, 1, sum.callCount())
			assert.Equal(t, first.Chats, second.Chats)
			assert.Equal(t, first.CurrentTokens, second.CurrentTokens)
			assert.Equal(t, len(first.Memory.Summaries), len(second.Memory.Summaries))
		})
	}
}

func TestRun_NothingSummarizableOverBudget(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	chats := fifteenWordTurns(10)
	for i := range chats {
		chats[i].Role = RoleUser
	}

	settings := DefaultSettings()
	settings.DoNotSummarizeUserMessage = true

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 150, MaxContextTokens: 100}, nil, settings)
	require.NoError(t, err)
	assert.True(t, memerrors.IsType(res.Err, memerrors.TypeCannotSummarizeFurther), "got %v", res.Err)
	assert.Empty(t, res.Memory.Summaries)
	assert.Equal(t, chats, res.Chats)
	assert.Zero(t, sum.callCount())
}

func TestRun_NoSummariesNeeded(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	chats := fifteenWordTurns(4)

	res, err := e.Run(context.Background(), Request{
		Chats:            chats,
		CurrentTokens:    60,
		MaxContextTokens: 100,
	}, nil, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, res.Err)

	assert.Zero(t, sum.callCount())
	assert.Equal(t, chats, res.Chats)
	assert.Equal(t, 60, res.CurrentTokens)
	assert.Empty(t, res.Memory.Summaries)
}

func TestRun_SubtractsResponseTokens(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)

	res, err := e.Run(context.Background(), Request{
		Chats:             fifteenWordTurns(4),
		CurrentTokens:     60,
		MaxContextTokens:  100,
		MaxResponseTokens: 10,
	}, nil, DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, 50, res.CurrentTokens)
}

func TestRun_InvalidSettings(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	state := &Data{Summaries: []Summary{{ID: "s", Text: "old", ChatMemos: NewMemoSet("gone")}}}
	chats := fifteenWordTurns(10)

	settings := DefaultSettings()
	settings.RecentMemoryRatio, settings.SimilarMemoryRatio = 0.7, 0.5

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 150, MaxContextTokens: 100}, state, settings)
	require.NoError(t, err)
	assert.True(t, memerrors.IsType(res.Err, memerrors.TypeConfiguration))
	assert.Equal(t, chats, res.Chats)
	assert.Equal(t, 150, res.CurrentTokens)
	assert.Equal(t, state.Summaries, res.Memory.Summaries)
	assert.Zero(t, sum.callCount())
}

func TestRun_RemovesOrphans(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	chats := fifteenWordTurns(4)
	state := &Data{Summaries: []Summary{
		{ID: "kept", Text: "kept one", ChatMemos: NewMemoSet("m0")},
		{ID: "orphan", Text: "orphan one", ChatMemos: NewMemoSet("m0", "deleted")},
	}}

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 60, MaxContextTokens: 100}, state, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.Len(t, res.Memory.Summaries, 1)
	assert.Equal(t, "kept", res.Memory.Summaries[0].ID)
	for _, s := range res.Memory.Summaries {
		assert.True(t, s.ChatMemos.IsSubsetOf(NewMemoSet("m0", "m1", "m2", "m3")))
	}
	// Turn m0 is covered by the kept summary.
	assert.Equal(t, chats[1:], res.Chats[1:])
	assert.Len(t, state.Summaries, 2, "input state must not be mutated")
}

func TestRun_PreservesOrphans(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	state := &Data{Summaries: []Summary{{ID: "orphan", Text: "orphan one", ChatMemos: NewMemoSet("deleted")}}}

	settings := DefaultSettings()
	settings.PreserveOrphanedMemory = true

	res, err := e.Run(context.Background(), Request{Chats: fifteenWordTurns(4), CurrentTokens: 60, MaxContextTokens: 100}, state, settings)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Len(t, res.Memory.Summaries, 1)
	assert.Equal(t, "orphan", res.Memory.Summaries[0].ID)
	// The orphan's last memo is not in the history, so nothing is skipped.
	assert.Len(t, res.Chats, 5)
}

func TestRun_SkipsExcludedTurns(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	chats := fifteenWordTurns(10)
	chats[0].Memo = MemoNewChat
	chats[2].Name = NameExampleUser

	settings := DefaultSettings()
	settings.DoNotSummarizeUserMessage = true

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 150, MaxContextTokens: 100}, nil, settings)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.Equal(t, 1, sum.callCount())
	for _, turn := range sum.calls[0] {
		assert.Equal(t, RoleAssistant, turn.Role)
	}
	assert.Equal(t, []string{"m1", "m3", "m5"}, res.Memory.Summaries[0].ChatMemos.Values())
	// Turn 6 is skipped after the last summarized turn and stays in the tail.
	assert.Equal(t, chats[6:], res.Chats[1:])
}

func TestRun_CannotSummarizeFurther(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	chats := fifteenWordTurns(4)

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 400, MaxContextTokens: 100}, nil, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, memerrors.IsType(res.Err, memerrors.TypeCannotSummarizeFurther), "got %v", res.Err)
	assert.Empty(t, res.Memory.Summaries)
	assert.Equal(t, chats, res.Chats)
	assert.Zero(t, sum.callCount())
}

func TestRun_SummarizationFailureKeepsState(t *testing.T) {
	boom := errors.New("backend down")
	sum := &fakeSummarizer{err: boom}
	e := newTestEngine(t, wordTokenizer, sum, nil)
	state := &Data{Summaries: []Summary{{ID: "s0", Text: "earlier", ChatMemos: NewMemoSet("m0")}}}
	chats := fifteenWordTurns(12)

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 180, MaxContextTokens: 100}, state, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, memerrors.IsType(res.Err, memerrors.TypeSummarizationFailed))
	assert.ErrorIs(t, res.Err, boom)
	require.Len(t, res.Memory.Summaries, 1)
	assert.Equal(t, "s0", res.Memory.Summaries[0].ID)
	assert.Equal(t, chats, res.Chats)
}

func TestRun_SimilarityFailureKeepsCommitted(t *testing.T) {
	sum := &fakeSummarizer{}
	index := &fakeIndex{err: errors.New("embedding quota exhausted")}
	e := newTestEngine(t, wordTokenizer, sum, index)

	res, err := e.Run(context.Background(), Request{Chats: fifteenWordTurns(10), CurrentTokens: 150, MaxContextTokens: 100}, nil, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, memerrors.IsType(res.Err, memerrors.TypeSimilaritySearchFailed))
	require.Len(t, res.Memory.Summaries, 1)
	assert.Equal(t, "summary 1", res.Memory.Summaries[0].Text)
}

func TestRun_ImportantFirst(t *testing.T) {
	sum := &fakeSummarizer{}
	e := newTestEngine(t, wordTokenizer, sum, nil)

	ten := strings.TrimSpace(strings.Repeat("word ", 10))
	state := &Data{}
	for i := 0; i < 5; i++ {
		state.Summaries = append(state.Summaries, Summary{ID: fmt.Sprintf("s%d", i), Text: ten})
	}
	state.Summaries[0].IsImportant = true

	settings := DefaultSettings()
	settings.RecentMemoryRatio, settings.SimilarMemoryRatio = 1, 0

	// memory budget floor(130*0.2)=26, minus the empty wrapper leaves 20.
	res, err := e.Run(context.Background(), Request{
		Chats:            []Turn{{Role: RoleUser, Content: "hello", Memo: "x"}},
		CurrentTokens:    1,
		MaxContextTokens: 130,
	}, state, settings)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	m := res.Memory.Metrics
	assert.Equal(t, []int{0}, m.LastImportantSummaries)
	assert.Equal(t, []int{4}, m.LastRecentSummaries)
	assert.Empty(t, m.LastRandomSummaries)
}

func TestRun_RatioSplit(t *testing.T) {
	sum := &fakeSummarizer{}
	index := &fakeIndex{}
	e := newTestEngine(t, wordTokenizer, sum, index)

	ten := strings.TrimSpace(strings.Repeat("word ", 10))
	state := &Data{}
	for i := 0; i < 12; i++ {
		state.Summaries = append(state.Summaries, Summary{ID: fmt.Sprintf("s%d", i), Text: ten})
	}
	for i := 0; i < 6; i++ {
		index.scores = append(index.scores, embedding.Result{ID: fmt.Sprintf("s%d", i), Score: 1 - float64(i)/10})
	}

	settings := DefaultSettings()
	settings.PreserveOrphanedMemory = true

	// floor(530*0.2)=106 reserved, 100 available after the wrapper.
	res, err := e.Run(context.Background(), Request{
		Chats:            []Turn{{Role: RoleUser, Content: "where is the map", Memo: "q"}},
		CurrentTokens:    4,
		MaxContextTokens: 530,
	}, state, settings)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	m := res.Memory.Metrics
	assert.Equal(t, []int{11, 10, 9, 8}, m.LastRecentSummaries)
	assert.Equal(t, []int{0, 1, 2, 3}, m.LastSimilarSummaries)
	assert.Len(t, m.LastRandomSummaries, 2)
	for _, idx := range m.LastRandomSummaries {
		assert.True(t, idx >= 4 && idx <= 7, "random pick %d outside the unused range", idx)
	}

	// Recent summaries are not offered to the index.
	for _, text := range index.added {
		assert.NotContains(t, []string{"s8", "s9", "s10", "s11"}, text.ID)
	}
	assert.LessOrEqual(t, res.CurrentTokens, 530)
}

func TestRun_BudgetExceededIsFatal(t *testing.T) {
	sum := &fakeSummarizer{}
	tok := TokenizerFunc(func(turn Turn) int {
		if strings.HasPrefix(turn.Content, "<Past Events Summary>\nsummary") {
			return 1000
		}
		return wordTokenizer(turn)
	})
	e := newTestEngine(t, tok, sum, nil)

	res, err := e.Run(context.Background(), Request{Chats: fifteenWordTurns(10), CurrentTokens: 150, MaxContextTokens: 100}, nil, DefaultSettings())
	assert.Nil(t, res)
	assert.True(t, memerrors.IsType(err, memerrors.TypeBudgetExceeded))
}

func TestRun_PanicBecomesInternalError(t *testing.T) {
	sum := &fakeSummarizer{}
	tok := TokenizerFunc(func(Turn) int { panic("tokenizer exploded") })
	e := newTestEngine(t, tok, sum, nil)

	res, err := e.Run(context.Background(), Request{Chats: fifteenWordTurns(2), CurrentTokens: 30, MaxContextTokens: 100}, nil, DefaultSettings())
	assert.Nil(t, res)
	assert.True(t, memerrors.IsType(err, memerrors.TypeInternal))
}

func TestRun_ReleasesLocalSummarizer(t *testing.T) {
	sum := &fakeSummarizer{local: true}
	e := newTestEngine(t, wordTokenizer, sum, nil)

	settings := DefaultSettings()
	settings.SummarizationModel = "qwen3:4b"

	res, err := e.Run(context.Background(), Request{Chats: fifteenWordTurns(10), CurrentTokens: 150, MaxContextTokens: 100}, nil, settings)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, sum.released)

	remote := &fakeSummarizer{}
	e = newTestEngine(t, wordTokenizer, remote, nil)
	_, err = e.Run(context.Background(), Request{Chats: fifteenWordTurns(10), CurrentTokens: 150, MaxContextTokens: 100}, nil, DefaultSettings())
	require.NoError(t, err)
	assert.Zero(t, remote.released)
}

func TestRun_SimilarityCorrection(t *testing.T) {
	sum := &fakeSummarizer{texts: []string{"batch summary", "user asked about trains\n\nassistant listed timetables"}}
	index := &fakeIndex{}
	e := newTestEngine(t, wordTokenizer, sum, index)

	settings := DefaultSettings()
	settings.EnableSimilarityCorrection = true
	chats := fifteenWordTurns(10)

	res, err := e.Run(context.Background(), Request{Chats: chats, CurrentTokens: 150, MaxContextTokens: 100}, nil, settings)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	// One batch summary plus one correction over the last three turns.
	require.Equal(t, 2, sum.callCount())
	assert.Equal(t, chats[7:], sum.calls[1])

	// Each correction paragraph is its own query, after the turn queries.
	require.Len(t, index.queries, 5)
	assert.Equal(t, []string{"user asked about trains", "assistant listed timetables"}, index.queries[3:])
}

func TestParagraphs(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, paragraphs(" a \n\n\n\n b c ", true))
	assert.Equal(t, []string{" a ", " b c "}, paragraphs(" a \n\n\n\n b c ", false))
	assert.Empty(t, paragraphs("  ", true))
}
