package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestLogger_WithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf, JSONFormat: true}, nil)

	ctx := ContextWithRequestID(context.Background(), "req-123")
	logger.WithRequestID(ctx).Info("processed")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)

	assert.Same(t, logger, logger.WithRequestID(context.Background()))
}

func TestLogger_WithRoom(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf, JSONFormat: true}, nil)

	logger.WithRoom("room-7").Info("summarized")
	assert.Contains(t, buf.String(), `"room":"room-7"`)
}

func TestLogger_RedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelDebug, Output: &buf}, NewRedactor())

	logger.Warn("embedding failed",
		"error", errors.New("401 for key sk-abcdefghijklmnopqrstuvwxyz"),
		"contact", "reach me at someone@example.com",
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "someone@example.com")
	assert.Contains(t, out, "[REDACTED_OPENAI_KEY]")
	assert.Contains(t, out, "[REDACTED_EMAIL]")
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelWarn, Output: &buf}, nil)

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
