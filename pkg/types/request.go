// Package types defines OpenAI-compatible wire structures shared by the remote
// summarization and embedding clients.
package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// ChatRequest is a non-streaming chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	N           int           `json:"n,omitempty"`

	// Extra holds backend-specific parameters merged into the top-level body.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
	return json.Marshal(payload)
}

// ChatMessage is a single role/content message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
