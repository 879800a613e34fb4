package chatmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/chatmemory/internal/memory"
	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	"github.com/blueberrycongee/chatmemory/internal/memory/summarizer"
	"github.com/blueberrycongee/chatmemory/internal/resilience"
	"github.com/blueberrycongee/chatmemory/internal/store"
	"github.com/blueberrycongee/chatmemory/internal/tokenizer"
)

// ErrSummaryNotFound is returned by SetImportant for an unknown summary id.
var ErrSummaryNotFound = errors.New("summary not found")

// Client runs the memory engine for many rooms and persists each room's
// summaries between runs.
//
// Client is safe for concurrent use by multiple goroutines. Runs on the same
// room are serialized.
type Client struct {
	engine   *memory.Engine
	store    store.RoomStore
	local    *summarizer.LocalSession
	settings atomic.Pointer[memory.Settings]
	rooms    *roomLocks
	logger   *slog.Logger
}

// New creates a Client with the given options.
//
// Example:
//
//	client, err := chatmemory.New(
//	    chatmemory.WithChatClient(chatClient, "gpt-4o-mini"),
//	    chatmemory.WithEmbeddings(embedClient, embedding.NewMemoryCache(24*time.Hour)),
//	    chatmemory.WithStore(store.NewRedisStore(rdb, "chatmemory", 0)),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		store:  cfg.Store,
		rooms:  newRoomLocks(),
		logger: cfg.Logger,
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = tokenizer.NewChatTokenizer(cfg.TokenizerModel)
	}
	if cfg.LocalEngine != nil {
		c.local = summarizer.NewLocalSession(cfg.LocalEngine)
	}
	settings := cfg.Settings
	c.settings.Store(&settings)

	engineCfg := memory.EngineConfig{
		Tokenizer:   cfg.Tokenizer,
		Summarizers: c.summarizerFactory(cfg),
		Dispatch:    cfg.Dispatch,
		Rand:        cfg.Rand,
		Logger:      cfg.Logger,
	}
	if engineCfg.Dispatch == nil {
		engineCfg.Dispatch = memory.RateLimitedDispatch(cfg.SummarizationWindow, cfg.Logger)
	}
	if cfg.EmbeddingClient != nil {
		engineCfg.Indexes = c.indexFactory(cfg)
	}

	engine, err := memory.NewEngine(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	c.engine = engine

	c.logger.Info("chatmemory client initialized",
		"remote_summarizer", cfg.ChatClient != nil,
		"local_summarizer", cfg.LocalEngine != nil,
		"embeddings", cfg.EmbeddingClient != nil,
	)
	return c, nil
}

func (c *Client) summarizerFactory(cfg *ClientConfig) memory.SummarizerFactory {
	remote := cfg.ChatClient
	remoteModel := cfg.RemoteModel
	logger := cfg.Logger
	return func(s memory.Settings) (memory.Summarizer, error) {
		return summarizer.New(summarizer.Config{
			Model:       s.SummarizationModel,
			Prompt:      s.SummarizationPrompt,
			RemoteModel: remoteModel,
			Logger:      logger,
		}, remote, c.local)
	}
}

// indexFactory builds a fresh processor per run. Vectors survive runs through
// the shared cache only.
func (c *Client) indexFactory(cfg *ClientConfig) memory.IndexFactory {
	client := cfg.EmbeddingClient
	cache := cfg.EmbeddingCache
	profile := cfg.EmbeddingProfile
	window := cfg.EmbeddingWindow
	logger := cfg.Logger
	return func(s memory.Settings) (memory.SimilarityIndex, error) {
		var limiter *resilience.TaskRateLimiter
		if !client.Local() {
			var err error
			limiter, err = resilience.NewTaskRateLimiter(resilience.TaskLimiterConfig{
				Name:               "embedding",
				TasksPerMinute:     s.Embedding.RequestsPerMinute,
				MaxConcurrentTasks: s.Embedding.MaxConcurrent,
				FailFast:           true,
				Store:              window,
				Logger:             logger,
			})
			if err != nil {
				return nil, err
			}
		}
		return embedding.NewProcessor(embedding.ProcessorConfig{
			Client:  client,
			Cache:   cache,
			Limiter: limiter,
			Weights: embedding.WeightsFromRatio(s.HybridSearchWeightsRatio),
			Profile: profile,
			Logger:  logger,
		})
	}
}

// Settings returns the active preset.
func (c *Client) Settings() Settings {
	return *c.settings.Load()
}

// UpdateSettings swaps the preset used by subsequent runs.
func (c *Client) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.settings.Store(&s)
	return nil
}

// Process runs the engine for roomID and persists the resulting memory.
// Recoverable failures are reported in Result.Err; the persisted memory is
// then the last known good state.
func (c *Client) Process(ctx context.Context, roomID string, req Request) (*Result, error) {
	if err := store.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	unlock := c.rooms.lock(roomID)
	defer unlock()

	logger := c.logger.With("room", roomID)
	start := time.Now()

	data, err := c.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	res, err := c.engine.Run(ctx, req, data, c.Settings())
	if err != nil {
		logger.Error("memory run failed", "error", err)
		return nil, err
	}
	if res.Err != nil {
		logger.Warn("memory run degraded", "error", res.Err)
	}

	if err := c.save(ctx, roomID, res.Memory); err != nil {
		return nil, err
	}

	logger.Debug("memory run completed",
		"summaries", len(res.Memory.Summaries),
		"current_tokens", res.CurrentTokens,
		"duration", time.Since(start),
	)
	return res, nil
}

// Memory returns the stored memory of roomID. Unknown rooms are empty.
func (c *Client) Memory(ctx context.Context, roomID string) (*Data, error) {
	if err := store.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	return c.load(ctx, roomID)
}

// SetImportant flags or unflags a summary. Important summaries are selected
// before any other.
func (c *Client) SetImportant(ctx context.Context, roomID, summaryID string, important bool) error {
	if err := store.ValidateRoomID(roomID); err != nil {
		return err
	}
	unlock := c.rooms.lock(roomID)
	defer unlock()

	data, err := c.load(ctx, roomID)
	if err != nil {
		return err
	}
	if !data.SetImportant(summaryID, important) {
		return fmt.Errorf("%w: %s", ErrSummaryNotFound, summaryID)
	}
	return c.save(ctx, roomID, data)
}

// Reset forgets everything stored for roomID.
func (c *Client) Reset(ctx context.Context, roomID string) error {
	if err := store.ValidateRoomID(roomID); err != nil {
		return err
	}
	unlock := c.rooms.lock(roomID)
	defer unlock()

	if err := c.store.Delete(ctx, roomID); err != nil {
		return fmt.Errorf("reset room %s: %w", roomID, err)
	}
	return nil
}

// Close unloads any local model still held.
func (c *Client) Close() error {
	if c.local != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.local.Unload(ctx); err != nil {
			return fmt.Errorf("unload local model: %w", err)
		}
	}
	c.logger.Info("chatmemory client closed")
	return nil
}

func (c *Client) load(ctx context.Context, roomID string) (*Data, error) {
	blob, err := c.store.Load(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return &Data{Summaries: []Summary{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	data, err := memory.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return data, nil
}

func (c *Client) save(ctx context.Context, roomID string, data *Data) error {
	blob, err := memory.Encode(data)
	if err != nil {
		return err
	}
	if err := c.store.Save(ctx, roomID, blob); err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	return nil
}
