package memory

import (
	memerrors "github.com/blueberrycongee/chatmemory/pkg/errors"
)

// ModelRemote selects the remote chat backend for summarization. Any other
// SummarizationModel names a local model.
const ModelRemote = "subModel"

// RateLimit bounds a family of background requests.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requestsPerMinute"`
	MaxConcurrent     int `yaml:"max_concurrent" json:"maxConcurrent"`
}

// Settings is the active memory preset.
type Settings struct {
	SummarizationModel  string `yaml:"summarization_model" json:"summarizationModel"`
	SummarizationPrompt string `yaml:"summarization_prompt" json:"summarizationPrompt"`

	// MemoryTokensRatio is the share of the context window reserved for the
	// memory prompt.
	MemoryTokensRatio float64 `yaml:"memory_tokens_ratio" json:"memoryTokensRatio"`
	// ExtraSummarizationRatio summarizes below the context window by this
	// share so that summarization runs less often.
	ExtraSummarizationRatio float64 `yaml:"extra_summarization_ratio" json:"extraSummarizationRatio"`
	MaxChatsPerSummary      int     `yaml:"max_chats_per_summary" json:"maxChatsPerSummary"`

	RecentMemoryRatio  float64 `yaml:"recent_memory_ratio" json:"recentMemoryRatio"`
	SimilarMemoryRatio float64 `yaml:"similar_memory_ratio" json:"similarMemoryRatio"`

	EnableSimilarityCorrection bool `yaml:"enable_similarity_correction" json:"enableSimilarityCorrection"`
	PreserveOrphanedMemory     bool `yaml:"preserve_orphaned_memory" json:"preserveOrphanedMemory"`
	DoNotSummarizeUserMessage  bool `yaml:"do_not_summarize_user_message" json:"doNotSummarizeUserMessage"`

	// HybridSearchWeightsRatio is the keyword share of hybrid search; the
	// vector share is the remainder.
	HybridSearchWeightsRatio float64 `yaml:"hybrid_search_weights_ratio" json:"hybridSearchWeightsRatio"`

	Summarization RateLimit `yaml:"summarization_rate_limit" json:"summarizationRateLimit"`
	Embedding     RateLimit `yaml:"embedding_rate_limit" json:"embeddingRateLimit"`
}

// DefaultSettings returns the built-in preset.
func DefaultSettings() Settings {
	return Settings{
		SummarizationModel:       ModelRemote,
		MemoryTokensRatio:        0.2,
		ExtraSummarizationRatio:  0,
		MaxChatsPerSummary:       6,
		RecentMemoryRatio:        0.4,
		SimilarMemoryRatio:       0.4,
		HybridSearchWeightsRatio: 0.4,
		Summarization:            RateLimit{RequestsPerMinute: 20, MaxConcurrent: 5},
		Embedding:                RateLimit{RequestsPerMinute: 100, MaxConcurrent: 10},
	}
}

// RandomMemoryRatio is the budget share left to random selection.
func (s Settings) RandomMemoryRatio() float64 {
	return 1 - s.RecentMemoryRatio - s.SimilarMemoryRatio
}

// RemoteSummarization reports whether summaries come from the remote backend.
func (s Settings) RemoteSummarization() bool {
	return s.SummarizationModel == "" || s.SummarizationModel == ModelRemote
}

// Validate checks s before any work is done.
func (s Settings) Validate() error {
	if s.HybridSearchWeightsRatio < 0 || s.HybridSearchWeightsRatio > 1 {
		return memerrors.NewConfigurationError("hybrid search ratio must be between 0 and 1")
	}
	if s.RecentMemoryRatio < 0 || s.SimilarMemoryRatio < 0 {
		return memerrors.NewConfigurationError("memory ratios must not be negative")
	}
	if s.RecentMemoryRatio+s.SimilarMemoryRatio > 1 {
		return memerrors.NewConfigurationError("the sum of recent memory ratio and similar memory ratio is greater than 1")
	}
	if s.MemoryTokensRatio <= 0 || s.MemoryTokensRatio > 1 {
		return memerrors.NewConfigurationError("memory tokens ratio must be in (0, 1], got %g", s.MemoryTokensRatio)
	}
	if s.ExtraSummarizationRatio < 0 || s.ExtraSummarizationRatio >= 1 {
		return memerrors.NewConfigurationError("extra summarization ratio must be in [0, 1), got %g", s.ExtraSummarizationRatio)
	}
	if s.MaxChatsPerSummary < 1 {
		return memerrors.NewConfigurationError("max chats per summary must be at least 1, got %d", s.MaxChatsPerSummary)
	}
	if err := s.Summarization.validate("summarization"); err != nil {
		return err
	}
	return s.Embedding.validate("embedding")
}

func (r RateLimit) validate(name string) error {
	if r.RequestsPerMinute <= 0 || r.MaxConcurrent <= 0 {
		return memerrors.NewConfigurationError("%s rate limit values must be positive", name)
	}
	if r.MaxConcurrent > r.RequestsPerMinute {
		return memerrors.NewConfigurationError("%s max concurrent (%d) cannot exceed requests per minute (%d)",
			name, r.MaxConcurrent, r.RequestsPerMinute)
	}
	return nil
}
