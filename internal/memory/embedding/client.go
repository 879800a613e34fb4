// Package embedding computes, caches and searches text embeddings for summary
// selection. Remote models are called in parallel through a task limiter; local
// models run sequentially on a single compute resource.
package embedding

import (
	"context"
	"fmt"
	"strings"
)

// Vector is a single embedding.
type Vector []float32

// Client produces embeddings for a batch of texts.
type Client interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([]Vector, error)
	// CacheModel identifies the model (and variant) in persistent cache keys.
	CacheModel() string
	// Local reports whether the model runs on a shared in-process resource.
	Local() bool
}

// Model identifiers accepted in configuration.
const (
	ModelMiniLM        = "MiniLM"
	ModelNomic         = "nomic"
	ModelNomicGPU      = "nomicGPU"
	ModelBGESmallEn    = "bgeSmallEn"
	ModelBGESmallEnGPU = "bgeSmallEnGPU"
	ModelBGEM3         = "bgem3"
	ModelBGEM3GPU      = "bgem3GPU"
	ModelAda           = "ada"
	ModelOpenAI3Small  = "openai3small"
	ModelOpenAI3Large  = "openai3large"
	ModelCustom        = "custom"
)

// localModels maps local model ids to their weights repository.
var localModels = map[string]string{
	ModelMiniLM:        "Xenova/all-MiniLM-L6-v2",
	ModelNomic:         "nomic-ai/nomic-embed-text-v1.5",
	ModelNomicGPU:      "nomic-ai/nomic-embed-text-v1.5",
	ModelBGESmallEn:    "BAAI/bge-small-en-v1.5",
	ModelBGESmallEnGPU: "BAAI/bge-small-en-v1.5",
	ModelBGEM3:         "BAAI/bge-m3",
	ModelBGEM3GPU:      "BAAI/bge-m3",
}

// openAIModels maps API model ids to OpenAI model names.
var openAIModels = map[string]string{
	ModelAda:          "text-embedding-ada-002",
	ModelOpenAI3Small: "text-embedding-3-small",
	ModelOpenAI3Large: "text-embedding-3-large",
}

// IsLocalModel reports whether id names an in-process model.
func IsLocalModel(id string) bool {
	_, ok := localModels[id]
	return ok
}

// IsGPUModel reports whether id names a GPU-accelerated local model.
func IsGPUModel(id string) bool {
	return IsLocalModel(id) && strings.HasSuffix(id, "GPU")
}

// Config selects and configures an embedding model.
type Config struct {
	Model       string       `yaml:"model"`
	APIKey      string       `yaml:"api_key"`
	APIBase     string       `yaml:"api_base"`
	CustomURL   string       `yaml:"custom_url"`
	CustomModel string       `yaml:"custom_model"`
	Profile     ChunkProfile `yaml:"profile"`
}

// NewClient builds the client for cfg.Model. runtime serves local models and
// may be nil when only API models are used.
func NewClient(cfg Config, runtime LocalRuntime) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if IsLocalModel(cfg.Model) {
		if runtime == nil {
			return nil, fmt.Errorf("local model %q requires a runtime", cfg.Model)
		}
		return NewLocalClient(cfg.Model, runtime), nil
	}
	client, err := NewAPIClient(APIConfig{
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		APIBase:     cfg.APIBase,
		CustomURL:   cfg.CustomURL,
		CustomModel: cfg.CustomModel,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
