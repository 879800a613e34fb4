// Package errors defines the unified error taxonomy for conversation memory operations.
// Engine, summarizer and similarity failures are all mapped to these types so that
// callers can branch on Type without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Tag prefixes every memory error message so log lines can be attributed to the engine.
const Tag = "[ChatMemory]"

// MemoryError represents a classified failure from a memory engine run.
type MemoryError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *MemoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", Tag, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", Tag, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error indicates a programming bug rather than a
// user-recoverable condition.
func (e *MemoryError) Fatal() bool {
	return e.Type == TypeBudgetExceeded || e.Type == TypeInternal
}

// Error types.
const (
	TypeConfiguration          = "configuration_error"
	TypeSummarizationFailed    = "summarization_failed"
	TypeSimilaritySearchFailed = "similarity_search_failed"
	TypeCannotSummarizeFurther = "cannot_summarize_further"
	TypeBudgetExceeded         = "budget_exceeded"
	TypeInternal               = "internal_error"
)

// NewConfigurationError creates an error for invalid settings detected before any work.
func NewConfigurationError(format string, args ...any) *MemoryError {
	return &MemoryError{
		Type:    TypeConfiguration,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewSummarizationError wraps a backend failure or empty summary.
func NewSummarizationError(err error) *MemoryError {
	return &MemoryError{
		Type:    TypeSummarizationFailed,
		Message: "summarization failed",
		Err:     err,
	}
}

// NewSimilaritySearchError wraps an embedding or search failure during selection.
func NewSimilaritySearchError(err error) *MemoryError {
	return &MemoryError{
		Type:    TypeSimilaritySearchFailed,
		Message: "similarity search failed",
		Err:     err,
	}
}

// NewCannotSummarizeFurtherError reports that too few turns remain to reach the target.
func NewCannotSummarizeFurtherError(currentTokens, maxContextTokens, minChats int) *MemoryError {
	return &MemoryError{
		Type: TypeCannotSummarizeFurther,
		Message: fmt.Sprintf(
			"cannot summarize further: input token count (%d) exceeds max context size (%d), but minimum %d messages required",
			currentTokens, maxContextTokens, minChats,
		),
	}
}

// NewBudgetExceededError reports a post-selection token count above the context limit.
func NewBudgetExceededError(currentTokens, maxContextTokens int) *MemoryError {
	return &MemoryError{
		Type: TypeBudgetExceeded,
		Message: fmt.Sprintf(
			"unexpected error: input token count (%d) exceeds max context size (%d)",
			currentTokens, maxContextTokens,
		),
	}
}

// NewInternalError wraps a recovered panic or other non-error failure.
func NewInternalError(v any) *MemoryError {
	if err, ok := v.(error); ok {
		return &MemoryError{Type: TypeInternal, Message: "internal error", Err: err}
	}
	return &MemoryError{Type: TypeInternal, Message: fmt.Sprintf("internal error: %v", v)}
}

// TypeOf returns the MemoryError type in err's chain, or "" when there is none.
func TypeOf(err error) string {
	var memErr *MemoryError
	if stderrors.As(err, &memErr) {
		return memErr.Type
	}
	return ""
}

// IsType reports whether err carries a MemoryError of the given type.
func IsType(err error, typ string) bool {
	return err != nil && TypeOf(err) == typ
}
