package summarizer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/chatmemory/internal/httputil"
	"github.com/blueberrycongee/chatmemory/internal/resilience"
	"github.com/blueberrycongee/chatmemory/pkg/types"
)

// LocalOptions tunes a local completion.
type LocalOptions struct {
	MaxTokens   int
	Temperature float64
}

// LocalEngine runs chat models on local hardware. Only one model is resident
// at a time.
type LocalEngine interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
	Chat(ctx context.Context, model string, msgs []types.ChatMessage, opts LocalOptions) (string, error)
}

// LocalSession owns the local engine and the id of the loaded model. Calls
// are serialized; switching models unloads the previous one first.
type LocalSession struct {
	engine LocalEngine
	sem    *resilience.Semaphore

	mu     sync.Mutex
	loaded string
}

// NewLocalSession wraps engine.
func NewLocalSession(engine LocalEngine) *LocalSession {
	return &LocalSession{engine: engine, sem: resilience.NewSemaphore(1)}
}

// LoadedModel returns the resident model id, or "".
func (s *LocalSession) LoadedModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Load makes model resident, unloading any other model.
func (s *LocalSession) Load(ctx context.Context, model string) error {
	if err := s.sem.Acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release()
	return s.loadLocked(ctx, model)
}

func (s *LocalSession) loadLocked(ctx context.Context, model string) error {
	s.mu.Lock()
	current := s.loaded
	s.mu.Unlock()

	if current == model {
		return nil
	}
	if current != "" {
		if err := s.engine.Unload(ctx, current); err != nil {
			return fmt.Errorf("unload %s: %w", current, err)
		}
		s.setLoaded("")
	}
	if err := s.engine.Load(ctx, model); err != nil {
		return fmt.Errorf("load %s: %w", model, err)
	}
	s.setLoaded(model)
	return nil
}

// Unload frees the resident model. It is a no-op when nothing is loaded.
func (s *LocalSession) Unload(ctx context.Context) error {
	if err := s.sem.Acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release()

	s.mu.Lock()
	current := s.loaded
	s.mu.Unlock()
	if current == "" {
		return nil
	}
	if err := s.engine.Unload(ctx, current); err != nil {
		return fmt.Errorf("unload %s: %w", current, err)
	}
	s.setLoaded("")
	return nil
}

// Complete runs one chat completion on model, loading it when needed.
func (s *LocalSession) Complete(ctx context.Context, model string, msgs []types.ChatMessage, opts LocalOptions) (string, error) {
	if err := s.sem.Acquire(ctx); err != nil {
		return "", err
	}
	defer s.sem.Release()

	if err := s.loadLocked(ctx, model); err != nil {
		return "", err
	}
	return s.engine.Chat(ctx, model, msgs, opts)
}

func (s *LocalSession) setLoaded(model string) {
	s.mu.Lock()
	s.loaded = model
	s.mu.Unlock()
}

// DefaultOllamaURL is the default Ollama server.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaEngine runs local models through an Ollama server's native API.
type OllamaEngine struct {
	baseURL   string
	keepAlive string
	client    *http.Client
}

// NewOllamaEngine creates an engine for the server at baseURL.
func NewOllamaEngine(baseURL string, timeout time.Duration) *OllamaEngine {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &OllamaEngine{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		keepAlive: "30m",
		client:    &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive"`
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []types.ChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	Think     bool                `json:"think"`
	KeepAlive string              `json:"keep_alive,omitempty"`
	Options   ollamaOptions       `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message types.ChatMessage `json:"message"`
	Error   string            `json:"error,omitempty"`
}

// Load implements LocalEngine by issuing an empty generate request.
func (e *OllamaEngine) Load(ctx context.Context, model string) error {
	return e.post(ctx, "/api/generate", ollamaGenerateRequest{Model: model, KeepAlive: e.keepAlive}, nil)
}

// Unload implements LocalEngine by expiring the model immediately.
func (e *OllamaEngine) Unload(ctx context.Context, model string) error {
	return e.post(ctx, "/api/generate", ollamaGenerateRequest{Model: model, KeepAlive: 0}, nil)
}

// Chat implements LocalEngine.
func (e *OllamaEngine) Chat(ctx context.Context, model string, msgs []types.ChatMessage, opts LocalOptions) (string, error) {
	var resp ollamaChatResponse
	err := e.post(ctx, "/api/chat", ollamaChatRequest{
		Model:     model,
		Messages:  msgs,
		KeepAlive: e.keepAlive,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama: %s", resp.Error)
	}
	return resp.Message.Content, nil
}

func (e *OllamaEngine) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s failed: status=%d, body=%s", path, resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
