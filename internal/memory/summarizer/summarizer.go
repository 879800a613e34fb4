// Package summarizer turns a batch of conversation turns into one summary
// through a remote chat completion backend or a local model session.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blueberrycongee/chatmemory/internal/memory"
	"github.com/blueberrycongee/chatmemory/pkg/types"
)

// DefaultPrompt is used when the preset prompt is blank.
const DefaultPrompt = "[Summarize the ongoing role story, It must also remove redundancy and unnecessary text and content from the output.]"

// slotPlaceholder is replaced by the transcript in prompt templates.
const slotPlaceholder = "{{slot}}"

// localMaxTokens caps local model output.
const localMaxTokens = 8192

// ErrEmptySummary is returned when the backend produced no text.
var ErrEmptySummary = errors.New("empty summary returned")

// ChatClient is a non-streaming chat completion backend.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
}

// Config configures a Summarizer.
type Config struct {
	// Model is memory.ModelRemote for the remote backend, otherwise the id of
	// a local model.
	Model string
	// Prompt is the instruction or ChatML template; blank uses DefaultPrompt.
	Prompt string
	// RemoteModel is the model name sent to the remote backend.
	RemoteModel string
	Logger      *slog.Logger
}

// Summarizer implements memory.Summarizer.
type Summarizer struct {
	model       string
	prompt      string
	remoteModel string
	remote      ChatClient
	local       *LocalSession
	logger      *slog.Logger
}

// New creates a Summarizer. remote is required for the remote model and local
// for any other model.
func New(cfg Config, remote ChatClient, local *LocalSession) (*Summarizer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Summarizer{
		model:       cfg.Model,
		prompt:      cfg.Prompt,
		remoteModel: cfg.RemoteModel,
		remote:      remote,
		local:       local,
		logger:      cfg.Logger,
	}
	if s.Local() {
		if local == nil {
			return nil, fmt.Errorf("local model %q requires a local session", cfg.Model)
		}
	} else if remote == nil {
		return nil, errors.New("remote summarization requires a chat client")
	}
	return s, nil
}

// Local implements memory.Summarizer.
func (s *Summarizer) Local() bool {
	return s.model != "" && s.model != memory.ModelRemote
}

// Summarize implements memory.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	msgs := s.buildMessages(turns)
	if s.Local() {
		return s.summarizeLocal(ctx, msgs)
	}
	return s.summarizeRemote(ctx, msgs)
}

// Release unloads the local model, if one is loaded.
func (s *Summarizer) Release(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	return s.local.Unload(ctx)
}

// Transcript flattens turns into "role: content" lines.
func Transcript(turns []memory.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = t.Role + ": " + t.Content
	}
	return strings.Join(lines, "\n")
}

func (s *Summarizer) buildMessages(turns []memory.Turn) []types.ChatMessage {
	transcript := Transcript(turns)
	prompt := s.prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}

	if msgs, ok := ParseChatML(strings.ReplaceAll(prompt, slotPlaceholder, transcript)); ok {
		return msgs
	}
	return []types.ChatMessage{
		{Role: memory.RoleUser, Content: transcript},
		{Role: memory.RoleSystem, Content: prompt},
	}
}

func (s *Summarizer) summarizeRemote(ctx context.Context, msgs []types.ChatMessage) (string, error) {
	resp, err := s.remote.ChatCompletion(ctx, &types.ChatRequest{
		Model:    s.remoteModel,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("remote summarization: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptySummary
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

func (s *Summarizer) summarizeLocal(ctx context.Context, msgs []types.ChatMessage) (string, error) {
	s.logger.Debug("summarizing with local model", "model", s.model)
	content, err := s.local.Complete(ctx, s.model, msgs, LocalOptions{
		MaxTokens:   localMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("local summarization: %w", err)
	}

	text := StripThinking(content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

var (
	_ memory.Summarizer = (*Summarizer)(nil)
	_ memory.Releaser   = (*Summarizer)(nil)
)
