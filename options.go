package chatmemory

import (
	"log/slog"
	"math/rand"

	"github.com/blueberrycongee/chatmemory/internal/memory"
	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	"github.com/blueberrycongee/chatmemory/internal/memory/summarizer"
	"github.com/blueberrycongee/chatmemory/internal/resilience"
	"github.com/blueberrycongee/chatmemory/internal/store"
)

// ClientConfig holds everything a Client is built from.
type ClientConfig struct {
	Settings memory.Settings
	Store    store.RoomStore

	// Tokenizer defaults to tiktoken for TokenizerModel.
	Tokenizer      memory.Tokenizer
	TokenizerModel string

	// Remote summarization backend and the model name sent to it.
	ChatClient  summarizer.ChatClient
	RemoteModel string
	// Local model engine; loaded and unloaded around each run.
	LocalEngine summarizer.LocalEngine

	// Embeddings. A nil client disables similarity selection.
	EmbeddingClient  embedding.Client
	EmbeddingCache   embedding.VectorCache
	EmbeddingProfile embedding.ChunkProfile

	// Windows share limiter quotas across processes. Nil keeps them local.
	SummarizationWindow resilience.WindowStore
	EmbeddingWindow     resilience.WindowStore

	// Dispatch overrides how summarization batches are run.
	Dispatch memory.DispatcherFactory
	Rand     *rand.Rand
	Logger   *slog.Logger
}

// Option configures a Client.
type Option func(*ClientConfig)

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Settings:       memory.DefaultSettings(),
		TokenizerModel: "gpt-4o",
		Logger:         slog.Default(),
	}
}

// WithSettings sets the initial preset.
func WithSettings(s Settings) Option {
	return func(c *ClientConfig) {
		c.Settings = s
	}
}

// WithStore sets where room memory is persisted. Defaults to process memory.
func WithStore(s store.RoomStore) Option {
	return func(c *ClientConfig) {
		c.Store = s
	}
}

// WithTokenizer replaces the tiktoken tokenizer.
func WithTokenizer(t memory.Tokenizer) Option {
	return func(c *ClientConfig) {
		c.Tokenizer = t
	}
}

// WithTokenizerModel selects the tiktoken encoding by model name.
func WithTokenizerModel(model string) Option {
	return func(c *ClientConfig) {
		c.TokenizerModel = model
	}
}

// WithChatClient sets the remote summarization backend.
func WithChatClient(client summarizer.ChatClient, model string) Option {
	return func(c *ClientConfig) {
		c.ChatClient = client
		c.RemoteModel = model
	}
}

// WithLocalEngine sets the engine serving local summarization models.
func WithLocalEngine(engine summarizer.LocalEngine) Option {
	return func(c *ClientConfig) {
		c.LocalEngine = engine
	}
}

// WithEmbeddings enables similarity selection. cache may be nil.
func WithEmbeddings(client embedding.Client, cache embedding.VectorCache) Option {
	return func(c *ClientConfig) {
		c.EmbeddingClient = client
		c.EmbeddingCache = cache
	}
}

// WithEmbeddingProfile sets the device profile used to size local chunks.
func WithEmbeddingProfile(p embedding.ChunkProfile) Option {
	return func(c *ClientConfig) {
		c.EmbeddingProfile = p
	}
}

// WithWindowStores shares the summarization and embedding quotas across
// processes. Either may be nil.
func WithWindowStores(summarization, embeddings resilience.WindowStore) Option {
	return func(c *ClientConfig) {
		c.SummarizationWindow = summarization
		c.EmbeddingWindow = embeddings
	}
}

// WithDispatch overrides the summarization dispatcher.
func WithDispatch(f memory.DispatcherFactory) Option {
	return func(c *ClientConfig) {
		c.Dispatch = f
	}
}

// WithRand seeds random selection.
func WithRand(r *rand.Rand) Option {
	return func(c *ClientConfig) {
		c.Rand = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClientConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}
