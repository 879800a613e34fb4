package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
	"github.com/blueberrycongee/chatmemory/internal/observability"
	memerrors "github.com/blueberrycongee/chatmemory/pkg/errors"
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	Tokenizer   Tokenizer
	Summarizers SummarizerFactory
	// Indexes builds the similarity index for each run. Nil disables
	// similarity selection; its share then flows to random selection.
	Indexes IndexFactory
	// Dispatch builds the summarization dispatcher. Defaults to
	// RateLimitedDispatch with an in-process window.
	Dispatch DispatcherFactory
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Rand drives random selection. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// Engine runs the memory pipeline. It is safe for concurrent use across
// rooms; callers serialize runs of the same room.
type Engine struct {
	tokenizer   Tokenizer
	summarizers SummarizerFactory
	indexes     IndexFactory
	dispatch    DispatcherFactory
	logger      *slog.Logger
	tracer      trace.Tracer

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewEngine validates cfg and creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Tokenizer == nil {
		return nil, errors.New("tokenizer is required")
	}
	if cfg.Summarizers == nil {
		return nil, errors.New("summarizer factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = RateLimitedDispatch(nil, cfg.Logger)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(observability.TracerName)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Engine{
		tokenizer:   cfg.Tokenizer,
		summarizers: cfg.Summarizers,
		indexes:     cfg.Indexes,
		dispatch:    cfg.Dispatch,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		rand:        cfg.Rand,
	}, nil
}

// Run reconciles state against req.Chats, summarizes overflow, selects
// summaries into the memory budget and returns the trimmed turn list.
//
// Recoverable failures are reported in Result.Err along with the state to
// persist: the input state when nothing was committed, otherwise the state
// including newly committed summaries. A returned error is fatal and means the
// budget logic produced an oversized prompt or panicked.
func (e *Engine) Run(ctx context.Context, req Request, state *Data, settings Settings) (res *Result, err error) {
	r := &run{
		engine:   e,
		req:      req,
		settings: settings,
		input:    state.Clone(),
		data:     state.Clone(),
		logger:   e.logger,
	}

	ctx, span := e.tracer.Start(ctx, "memory.run", trace.WithAttributes(
		attribute.Int("memory.chats", len(req.Chats)),
		attribute.Int("memory.max_context_tokens", req.MaxContextTokens),
	))

	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, memerrors.NewInternalError(rec)
			e.logger.Error("memory engine panicked", "panic", rec)
		}
		r.release()

		outcome := metrics.OutcomeSuccess
		switch {
		case err != nil:
			outcome = metrics.OutcomeFatal
			observability.RecordError(span, err)
		case res != nil && res.Err != nil:
			outcome = metrics.OutcomeSoftFailure
			observability.RecordError(span, res.Err)
		}
		metrics.EngineRuns.WithLabelValues(outcome).Inc()
		span.End()
	}()

	if verr := settings.Validate(); verr != nil {
		return &Result{
			CurrentTokens: req.CurrentTokens,
			Chats:         req.Chats,
			Memory:        r.input,
			Err:           verr,
		}, nil
	}

	return r.execute(ctx)
}

// run holds the mutable state of one engine invocation.
type run struct {
	engine   *Engine
	req      Request
	settings Settings
	logger   *slog.Logger

	input *Data
	data  *Data

	currentTokens int
	startIdx      int

	reserved        bool
	memoryTokens    int
	availableTokens int

	summarizer Summarizer
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	r.reconcile(ctx)

	if res := r.summarize(ctx); res != nil {
		return res, nil
	}

	if len(r.data.Summaries) == 0 {
		r.logger.Info("no summaries to inject",
			"current_tokens", r.currentTokens,
			"start_index", r.startIdx,
		)
		return &Result{
			CurrentTokens: r.currentTokens,
			Chats:         append([]Turn(nil), r.req.Chats[r.startIdx:]...),
			Memory:        r.data,
		}, nil
	}

	sel, res := r.selectSummaries(ctx)
	if res != nil {
		return res, nil
	}
	return r.emit(ctx, sel)
}

// phase starts a span for one pipeline phase and returns a func that ends it
// and records its latency.
func (r *run) phase(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	ctx, span := r.engine.tracer.Start(ctx, "memory."+name)
	return ctx, func() {
		metrics.PhaseLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func (r *run) tokens(turn Turn) int {
	return r.engine.tokenizer.TokenizeChat(turn)
}

func (r *run) summaryTokens(s Summary) int {
	return r.tokens(Turn{Role: RoleSystem, Content: s.Text + summarySeparator})
}

// fail reports a recoverable error with the given state.
func (r *run) fail(err error, state *Data) *Result {
	r.logger.Warn("memory run failed", "error", err, "current_tokens", r.currentTokens)
	return &Result{
		CurrentTokens: r.currentTokens,
		Chats:         r.req.Chats,
		Memory:        state,
		Err:           err,
	}
}

// reconcile drops orphaned summaries, skips turns already covered by the last
// summary and reserves the memory budget.
func (r *run) reconcile(ctx context.Context) {
	_, end := r.phase(ctx, "reconcile")
	defer end()

	chats := r.req.Chats
	r.currentTokens = r.req.CurrentTokens - r.req.MaxResponseTokens

	if !r.settings.PreserveOrphanedMemory {
		if removed := cleanOrphanedSummaries(chats, r.data); removed > 0 {
			metrics.OrphanedSummaries.Add(float64(removed))
			r.logger.Info("removed orphaned summaries", "count", removed)
		}
	}

	if n := len(r.data.Summaries); n > 0 {
		if memo, ok := r.data.Summaries[n-1].ChatMemos.Last(); ok {
			if idx := indexOfMemo(chats, memo); idx >= 0 {
				r.startIdx = idx + 1
				for _, turn := range chats[:idx+1] {
					r.currentTokens -= r.tokens(turn)
				}
			}
		}
	}

	emptyTokens := r.tokens(Turn{Role: RoleSystem, Content: wrapWithTag(memoryPromptTag, "")})
	r.memoryTokens = int(math.Floor(float64(r.req.MaxContextTokens) * r.settings.MemoryTokensRatio))
	r.reserved = len(r.data.Summaries) > 0 || r.currentTokens > r.req.MaxContextTokens
	if r.reserved {
		r.availableTokens = r.memoryTokens - emptyTokens
		r.currentTokens += r.memoryTokens
	}

	r.logger.Debug("reconciled memory",
		"start_index", r.startIdx,
		"current_tokens", r.currentTokens,
		"reserved_tokens", r.memoryTokens,
		"reserved", r.reserved,
	)
}

// summarize collects overflow batches and commits their summaries all or
// nothing. It returns a non-nil Result only on failure.
func (r *run) summarize(ctx context.Context) *Result {
	ctx, end := r.phase(ctx, "summarize")
	defer end()

	chats := r.req.Chats
	maxTokens := r.req.MaxContextTokens
	target := float64(maxTokens) * (1 - r.settings.ExtraSummarizationRatio)
	summarizing := r.currentTokens > maxTokens

	var batches [][]Turn
	for summarizing {
		if float64(r.currentTokens) <= target {
			break
		}
		if len(chats)-r.startIdx <= MinChatsForSimilarity {
			if r.currentTokens <= maxTokens {
				break
			}
			return r.fail(memerrors.NewCannotSummarizeFurtherError(r.currentTokens, maxTokens, MinChatsForSimilarity), r.input)
		}

		// The batch ends after its last summarizable turn. Skipped turns past
		// it stay in the tail, since the next run resumes after the last memo
		// of the newest summary.
		var batch []Turn
		batchTokens, scannedTokens := 0, 0
		end := r.startIdx
		for idx := r.startIdx; len(batch) < r.settings.MaxChatsPerSummary && idx < len(chats)-MinChatsForSimilarity; idx++ {
			turn := chats[idx]
			scannedTokens += r.tokens(turn)
			if !turn.summarizable(r.settings.DoNotSummarizeUserMessage) {
				r.logger.Debug("skipping turn", "index", idx, "role", turn.Role, "memo", turn.Memo)
				continue
			}
			batch = append(batch, turn)
			batchTokens = scannedTokens
			end = idx + 1
		}

		if len(batch) == 0 {
			if r.currentTokens <= maxTokens {
				break
			}
			return r.fail(memerrors.NewCannotSummarizeFurtherError(r.currentTokens, maxTokens, MinChatsForSimilarity), r.input)
		}

		if r.currentTokens <= maxTokens && float64(r.currentTokens-batchTokens) < target {
			r.logger.Debug("stopping summarization below target",
				"current_tokens", r.currentTokens,
				"batch_tokens", batchTokens,
				"target_tokens", target,
			)
			break
		}

		batches = append(batches, batch)
		r.currentTokens -= batchTokens
		r.startIdx = end
	}

	if len(batches) == 0 {
		return nil
	}

	summarizer, err := r.getSummarizer()
	if err != nil {
		return r.fail(err, r.input)
	}
	dispatcher, err := r.engine.dispatch(r.settings, summarizer.Local())
	if err != nil {
		return r.fail(memerrors.NewConfigurationError("summarization dispatcher: %v", err), r.input)
	}

	r.logger.Info("summarizing", "batches", len(batches), "local", summarizer.Local())
	texts, err := dispatcher.Dispatch(ctx, batches, summarizer.Summarize)
	if err != nil {
		return r.fail(memerrors.NewSummarizationError(err), r.input)
	}

	for i, text := range texts {
		memos := NewMemoSet()
		for _, turn := range batches[i] {
			memos.Add(turn.Memo)
		}
		r.data.Summaries = append(r.data.Summaries, Summary{
			ID:        uuid.NewString(),
			Text:      text,
			ChatMemos: memos,
		})
	}
	metrics.SummariesCreated.Add(float64(len(texts)))

	r.logger.Info("summarization phase completed",
		"created", len(texts),
		"current_tokens", r.currentTokens,
		"available_tokens", r.availableTokens,
	)
	return nil
}

// emit builds the memory prompt from the selection and enforces the budget.
func (r *run) emit(ctx context.Context, sel *selection) (*Result, error) {
	_, end := r.phase(ctx, "emit")
	defer end()

	picked := sel.chronological(r.data)
	texts := make([]string, len(picked))
	for i, s := range picked {
		texts[i] = s.Text
	}
	prompt := wrapWithTag(memoryPromptTag, joinSummaries(texts))
	promptTokens := r.tokens(Turn{Role: RoleSystem, Content: prompt})

	if r.reserved {
		r.currentTokens -= r.memoryTokens
	}
	r.currentTokens += promptTokens

	if r.currentTokens > r.req.MaxContextTokens {
		return nil, memerrors.NewBudgetExceededError(r.currentTokens, r.req.MaxContextTokens)
	}

	r.data.Metrics = sel.metrics(r.data)
	metrics.MemoryPromptTokens.Observe(float64(promptTokens))

	chats := make([]Turn, 0, len(r.req.Chats)-r.startIdx+1)
	chats = append(chats, Turn{Role: RoleSystem, Content: prompt, Memo: MemoMemoryPrompt})
	chats = append(chats, r.req.Chats[r.startIdx:]...)

	r.logger.Info("memory prompt built",
		"summaries", len(picked),
		"prompt_tokens", promptTokens,
		"current_tokens", r.currentTokens,
	)
	return &Result{CurrentTokens: r.currentTokens, Chats: chats, Memory: r.data}, nil
}

func (r *run) getSummarizer() (Summarizer, error) {
	if r.summarizer != nil {
		return r.summarizer, nil
	}
	s, err := r.engine.summarizers(r.settings)
	if err != nil {
		return nil, memerrors.NewConfigurationError("summarizer: %v", err)
	}
	r.summarizer = s
	return s, nil
}

// release frees local model resources after the run, whatever its outcome.
func (r *run) release() {
	if r.summarizer == nil || r.settings.RemoteSummarization() {
		return
	}
	releaser, ok := r.summarizer.(Releaser)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := releaser.Release(ctx); err != nil {
		r.logger.Warn("failed to release local summarizer", "error", err)
	}
}

// cleanOrphanedSummaries keeps only summaries whose memos all appear in
// chats and returns how many were removed.
func cleanOrphanedSummaries(chats []Turn, data *Data) int {
	present := NewMemoSet()
	for _, turn := range chats {
		present.Add(turn.Memo)
	}

	kept := make([]Summary, 0, len(data.Summaries))
	for _, s := range data.Summaries {
		if s.ChatMemos.IsSubsetOf(present) {
			kept = append(kept, s)
		}
	}
	removed := len(data.Summaries) - len(kept)
	data.Summaries = kept
	return removed
}

func indexOfMemo(chats []Turn, memo string) int {
	for i, turn := range chats {
		if turn.Memo == memo {
			return i
		}
	}
	return -1
}

func joinSummaries(texts []string) string {
	return strings.Join(texts, summarySeparator)
}

// floorTokens absorbs float error so that 100 * (1 - 0.4 - 0.4) is 20, not 19.
func floorTokens(available int, ratio float64) int {
	return int(math.Floor(float64(available)*ratio + ratioEpsilon))
}

func (e *Engine) shuffle(summaries []Summary) {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	e.rand.Shuffle(len(summaries), func(i, j int) {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	})
}
