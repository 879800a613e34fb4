package embedding

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/chatmemory/internal/httputil"
	"github.com/blueberrycongee/chatmemory/internal/metrics"
	"github.com/blueberrycongee/chatmemory/pkg/types"
)

// APIClient calls an OpenAI-compatible /embeddings endpoint.
type APIClient struct {
	client      *http.Client
	url         string
	apiKey      string
	model       string
	remoteModel string
	customModel string
}

// APIConfig holds configuration for APIClient.
type APIConfig struct {
	// Model is one of ada, openai3small, openai3large or custom.
	Model   string
	APIKey  string
	APIBase string
	// CustomURL is the server for the custom model; "/embeddings" is appended
	// unless already present.
	CustomURL   string
	CustomModel string
	Timeout     time.Duration
}

// NewAPIClient validates cfg and creates a client.
func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}

	c := &APIClient{
		client: &http.Client{Timeout: cfg.Timeout},
		apiKey: strings.TrimSpace(cfg.APIKey),
		model:  cfg.Model,
	}

	switch cfg.Model {
	case ModelCustom:
		base := strings.TrimSpace(cfg.CustomURL)
		if base == "" {
			return nil, fmt.Errorf("custom embedding model requires a custom server url")
		}
		if strings.HasSuffix(base, "/embeddings") {
			c.url = base
		} else {
			c.url = strings.TrimRight(base, "/") + "/embeddings"
		}
		c.customModel = strings.TrimSpace(cfg.CustomModel)
		c.remoteModel = c.customModel
	case ModelAda, ModelOpenAI3Small, ModelOpenAI3Large:
		if c.apiKey == "" {
			return nil, fmt.Errorf("openai api_key is required for model %q", cfg.Model)
		}
		c.url = strings.TrimRight(cfg.APIBase, "/") + "/embeddings"
		c.remoteModel = openAIModels[cfg.Model]
	default:
		return nil, fmt.Errorf("unsupported embedding model: %q", cfg.Model)
	}

	return c, nil
}

// Embed implements Client.
func (c *APIClient) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	bodyBytes, err := json.Marshal(types.EmbeddingRequest{Model: c.remoteModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("embedding failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	var embResp types.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("decode response: %w", err)
	}
	metrics.EmbeddingRequests.WithLabelValues(c.model, "success").Inc()

	vectors := make([]Vector, len(texts))
	for _, data := range embResp.Data {
		if data.Index >= 0 && data.Index < len(vectors) {
			vectors[data.Index] = data.Embedding
		}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("no embedding found in the response for input %d", i)
		}
	}
	return vectors, nil
}

// CacheModel implements Client. Custom servers are scoped by their model name.
func (c *APIClient) CacheModel() string {
	if c.model == ModelCustom && c.customModel != "" {
		return c.model + "-" + c.customModel
	}
	return c.model
}

// Local implements Client.
func (c *APIClient) Local() bool {
	return false
}
