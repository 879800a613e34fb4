package summarizer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/chatmemory/internal/httputil"
	"github.com/blueberrycongee/chatmemory/pkg/types"
)

// DefaultBaseURL is the default OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// HTTPConfig configures HTTPChatClient.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPChatClient calls an OpenAI-compatible /chat/completions endpoint.
type HTTPChatClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPChatClient creates a chat client.
func NewHTTPChatClient(cfg HTTPConfig) *HTTPChatClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPChatClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// ChatCompletion implements ChatClient.
func (c *HTTPChatClient) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp types.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("chat completion failed: status=%d: %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("chat completion failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}
