// Package tokenizer counts prompt tokens with tiktoken encodings.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/blueberrycongee/chatmemory/internal/memory"
)

// perTurnOverhead covers the role and separator tokens chat formats add
// around each message.
const perTurnOverhead = 3

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count of text for model. Unknown models
// use cl100k_base; without any encoding it estimates len/4.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// ChatTokenizer implements memory.Tokenizer for one model. Counts are cached
// by content since the engine tokenizes the same turns on every run.
type ChatTokenizer struct {
	model string
	cache sync.Map // string -> int
}

// NewChatTokenizer creates a tokenizer for model.
func NewChatTokenizer(model string) *ChatTokenizer {
	return &ChatTokenizer{model: model}
}

// TokenizeChat implements memory.Tokenizer.
func (t *ChatTokenizer) TokenizeChat(turn memory.Turn) int {
	return t.count(turn.Role) + t.count(turn.Name) + t.count(turn.Content) + perTurnOverhead
}

func (t *ChatTokenizer) count(text string) int {
	if text == "" {
		return 0
	}
	if n, ok := t.cache.Load(text); ok {
		return n.(int)
	}
	n := CountTextTokens(t.model, text)
	t.cache.Store(text, n)
	return n
}

// CountTurns sums the cost of turns, which is how callers compute the
// CurrentTokens of an engine request.
func (t *ChatTokenizer) CountTurns(turns []memory.Turn) int {
	total := 0
	for _, turn := range turns {
		total += t.TokenizeChat(turn)
	}
	return total
}

var _ memory.Tokenizer = (*ChatTokenizer)(nil)

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

// normalizeModelName strips a provider prefix such as "openai/".
func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
