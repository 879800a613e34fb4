// Package config loads the service configuration from YAML and hot-reloads it.
// Reloads swap an atomic pointer, so readers never see a partial update.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/chatmemory/internal/healthcheck"
	"github.com/blueberrycongee/chatmemory/internal/memory"
	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
	"github.com/blueberrycongee/chatmemory/internal/memory/qdrant"
	"github.com/blueberrycongee/chatmemory/internal/resilience"
	"github.com/blueberrycongee/chatmemory/internal/secret/vault"
	"github.com/blueberrycongee/chatmemory/internal/store"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreS3     = "s3"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Tracing    TracingConfig      `yaml:"tracing"`
	Memory     memory.Settings    `yaml:"memory"`
	Embedding  EmbeddingConfig    `yaml:"embedding"`
	Summarizer SummarizerConfig   `yaml:"summarizer"`
	Redis      RedisConfig        `yaml:"redis"`
	Store      StoreConfig        `yaml:"store"`
	Secrets    SecretsConfig      `yaml:"secrets"`
	Health     healthcheck.Config `yaml:"health"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	RoomLimit    RoomLimit     `yaml:"room_limit"`
}

// RoomLimit throttles memory requests per room.
type RoomLimit struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Redact bool   `yaml:"redact"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// EmbeddingConfig selects the embedding model and its caches.
type EmbeddingConfig struct {
	embedding.Config `yaml:",inline"`
	// Dimensions of the in-process local runtime.
	LocalDimensions int           `yaml:"local_dimensions"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	// PersistentCache keeps vectors in Redis across restarts.
	PersistentCache bool `yaml:"persistent_cache"`
	// Qdrant adds a shared vector tier behind the other caches when its
	// address is set.
	Qdrant  qdrant.Config                   `yaml:"qdrant"`
	Breaker resilience.CircuitBreakerConfig `yaml:"breaker"`
}

// SummarizerConfig configures the remote chat backend and the local model
// server. Which one is used is chosen per run by memory.summarization_model.
type SummarizerConfig struct {
	APIBase     string        `yaml:"api_base"`
	APIKey      string        `yaml:"api_key"`
	RemoteModel string        `yaml:"remote_model"`
	Timeout     time.Duration `yaml:"timeout"`
	LocalURL    string        `yaml:"local_url"`
	// Breaker guards the remote backend.
	Breaker resilience.CircuitBreakerConfig `yaml:"breaker"`
}

// RedisConfig configures the shared Redis client. Several addrs select
// cluster mode; MasterName selects sentinel mode.
type RedisConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Addrs      []string `yaml:"addrs"`
	MasterName string   `yaml:"master_name"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	Namespace  string   `yaml:"namespace"`
	// SharedWindow coordinates the summarization quota across processes.
	SharedWindow bool `yaml:"shared_window"`
}

// StoreConfig selects where room memory is persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// TTL expires idle rooms in the redis backend; zero keeps them forever.
	TTL time.Duration  `yaml:"ttl"`
	S3  store.S3Config `yaml:"s3"`
}

// SecretsConfig configures resolution of credential references. Credential
// fields may hold "env://NAME", "file:///path" or "vault://path#key" instead
// of a literal value.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    vault.Config  `yaml:"vault"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
			RoomLimit: RoomLimit{
				Enabled:           true,
				RequestsPerSecond: 2,
				Burst:             4,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Redact: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "chatmemory",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Memory: memory.DefaultSettings(),
		Embedding: EmbeddingConfig{
			Config:          embedding.Config{Model: embedding.ModelMiniLM},
			LocalDimensions: 384,
			CacheTTL:        24 * time.Hour,
			Breaker:         resilience.DefaultCircuitBreakerConfig(),
		},
		Summarizer: SummarizerConfig{
			RemoteModel: "gpt-4o-mini",
			Timeout:     2 * time.Minute,
			Breaker:     resilience.DefaultCircuitBreakerConfig(),
		},
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "chatmemory",
		},
		Store: StoreConfig{
			Backend: StoreMemory,
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Health: healthcheck.Config{
			Enabled:  true,
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it over the defaults
// and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RoomLimit.Enabled && (c.Server.RoomLimit.RequestsPerSecond <= 0 || c.Server.RoomLimit.Burst <= 0) {
		return fmt.Errorf("server.room_limit: requests_per_second and burst must be positive")
	}

	if c.Tracing.Enabled && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		return fmt.Errorf("tracing.protocol must be grpc or http")
	}

	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if c.Embedding.CacheTTL < 0 {
		return fmt.Errorf("embedding.cache_ttl cannot be negative")
	}
	if c.Embedding.PersistentCache && !c.Redis.Enabled {
		return fmt.Errorf("embedding.persistent_cache requires redis")
	}
	if c.Embedding.Qdrant.Timeout < 0 {
		return fmt.Errorf("embedding.qdrant.timeout cannot be negative")
	}

	if c.Memory.RemoteSummarization() && c.Summarizer.RemoteModel == "" {
		return fmt.Errorf("summarizer.remote_model is required for remote summarization")
	}
	if c.Summarizer.Timeout < 0 {
		return fmt.Errorf("summarizer.timeout cannot be negative")
	}

	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis.addrs must not be empty when redis is enabled")
	}
	if c.Redis.SharedWindow && !c.Redis.Enabled {
		return fmt.Errorf("redis.shared_window requires redis")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("store.backend redis requires redis")
		}
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl cannot be negative")
	}

	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when vault is enabled")
	}
	return nil
}
