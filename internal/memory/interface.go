package memory

import (
	"context"

	"github.com/blueberrycongee/chatmemory/internal/memory/embedding"
)

// Tokenizer counts the tokens a turn costs in the prompt. It must be
// deterministic for a given model.
type Tokenizer interface {
	TokenizeChat(turn Turn) int
}

// TokenizerFunc adapts a function to Tokenizer.
type TokenizerFunc func(turn Turn) int

// TokenizeChat implements Tokenizer.
func (f TokenizerFunc) TokenizeChat(turn Turn) int {
	return f(turn)
}

// Summarizer compresses a batch of turns into one text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
	// Local reports whether the summarizer runs on a single shared local
	// model, which forces sequential dispatch.
	Local() bool
}

// Releaser is implemented by summarizers that hold resources to free after a
// run.
type Releaser interface {
	Release(ctx context.Context) error
}

// SimilarityIndex embeds summary chunks and scores them against queries.
type SimilarityIndex interface {
	AddTexts(ctx context.Context, items []embedding.Text) error
	// ScoreByOwner returns one entry per owning summary id, best first, with
	// scores normalised to the best match.
	ScoreByOwner(ctx context.Context, queries []string, topK int) ([]embedding.Result, error)
}

// SummarizerFactory builds the summarizer for a preset.
type SummarizerFactory func(settings Settings) (Summarizer, error)

// IndexFactory builds a fresh similarity index for one run.
type IndexFactory func(settings Settings) (SimilarityIndex, error)
