package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	chatmemory "github.com/blueberrycongee/chatmemory"
	"github.com/blueberrycongee/chatmemory/internal/config"
	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	"github.com/blueberrycongee/chatmemory/internal/memory/qdrant"
	"github.com/blueberrycongee/chatmemory/internal/memory/summarizer"
	"github.com/blueberrycongee/chatmemory/internal/observability"
	"github.com/blueberrycongee/chatmemory/internal/resilience"
	"github.com/blueberrycongee/chatmemory/internal/store"
)

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var redactor *observability.Redactor
	if cfg.Redact {
		redactor = observability.NewRedactor()
	}
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Format != "text",
	}, redactor)
	return logger.Logger
}

func tracingConfig(cfg config.TracingConfig) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     cfg.Enabled,
		Endpoint:    cfg.Endpoint,
		Protocol:    cfg.Protocol,
		ServiceName: cfg.ServiceName,
		SampleRate:  cfg.SampleRate,
		Insecure:    cfg.Insecure,
	}
}

// buildRedisClient returns nil when redis is disabled.
func buildRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      cfg.Addrs,
		MasterName: cfg.MasterName,
		Password:   cfg.Password,
		DB:         cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func buildStore(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (store.RoomStore, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory, "":
		return store.NewMemoryStore(), nil
	case config.StoreRedis:
		if rdb == nil {
			return nil, fmt.Errorf("store backend redis requires a redis client")
		}
		return store.NewRedisStore(rdb, cfg.Redis.Namespace, cfg.Store.TTL), nil
	case config.StoreS3:
		return store.NewS3Store(ctx, cfg.Store.S3)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newBreaker(name string, cfg resilience.CircuitBreakerConfig, logger *slog.Logger) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, cfg)
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		logger.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
	})
	return cb
}

// components are the wired dependencies of the memory client.
type components struct {
	Options  []chatmemory.Option
	Breakers []*resilience.CircuitBreaker
}

// buildEmbeddings wires the embedding client and its vector cache. API models
// are guarded by breaker; local models run in-process.
func buildEmbeddings(cfg *config.Config, rdb redis.UniversalClient, breaker *resilience.CircuitBreaker, logger *slog.Logger) (embedding.Client, embedding.VectorCache, error) {
	client, err := embedding.NewClient(cfg.Embedding.Config, embedding.NewHashRuntime(cfg.Embedding.LocalDimensions))
	if err != nil {
		return nil, nil, fmt.Errorf("create embedding client: %w", err)
	}
	if !client.Local() && breaker != nil {
		client = embedding.NewGuardedClient(client, breaker)
	}

	var cache embedding.VectorCache = embedding.NewMemoryCache(cfg.Embedding.CacheTTL)
	if cfg.Embedding.PersistentCache {
		if rdb == nil {
			return nil, nil, fmt.Errorf("persistent embedding cache requires a redis client")
		}
		cache = embedding.NewTieredCache(cache, embedding.NewRedisCache(rdb, cfg.Redis.Namespace, cfg.Embedding.CacheTTL), logger)
	}
	if cfg.Embedding.Qdrant.Address != "" {
		shared, err := qdrant.NewCache(cfg.Embedding.Qdrant)
		if err != nil {
			return nil, nil, fmt.Errorf("create qdrant cache: %w", err)
		}
		cache = embedding.NewTieredCache(cache, shared, logger)
	}
	return client, cache, nil
}

func buildComponents(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, logger *slog.Logger) (*components, error) {
	roomStore, err := buildStore(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}

	summarizerBreaker := newBreaker("summarizer", cfg.Summarizer.Breaker, logger)
	embeddingBreaker := newBreaker("embedding", cfg.Embedding.Breaker, logger)
	embedClient, cache, err := buildEmbeddings(cfg, rdb, embeddingBreaker, logger)
	if err != nil {
		return nil, err
	}
	breakers := []*resilience.CircuitBreaker{summarizerBreaker}
	if !embedClient.Local() {
		breakers = append(breakers, embeddingBreaker)
	}

	chat := summarizer.NewGuardedChatClient(
		summarizer.NewHTTPChatClient(summarizer.HTTPConfig{
			BaseURL: cfg.Summarizer.APIBase,
			APIKey:  cfg.Summarizer.APIKey,
			Timeout: cfg.Summarizer.Timeout,
		}),
		summarizerBreaker,
	)

	opts := []chatmemory.Option{
		chatmemory.WithSettings(cfg.Memory),
		chatmemory.WithStore(roomStore),
		chatmemory.WithChatClient(chat, cfg.Summarizer.RemoteModel),
		chatmemory.WithEmbeddings(embedClient, cache),
		chatmemory.WithEmbeddingProfile(cfg.Embedding.Profile),
		chatmemory.WithLogger(logger),
	}
	if cfg.Summarizer.LocalURL != "" {
		opts = append(opts, chatmemory.WithLocalEngine(summarizer.NewOllamaEngine(cfg.Summarizer.LocalURL, cfg.Summarizer.Timeout)))
	}
	if cfg.Redis.SharedWindow && rdb != nil {
		opts = append(opts, chatmemory.WithWindowStores(
			resilience.NewRedisWindow(rdb, cfg.Redis.Namespace+":window:summarization"),
			resilience.NewRedisWindow(rdb, cfg.Redis.Namespace+":window:embedding"),
		))
	}
	return &components{Options: opts, Breakers: breakers}, nil
}
