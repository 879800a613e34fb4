// Package chatmemory keeps long conversations inside a model's context window.
// Older turns are folded into summaries, and the summaries that matter most for
// the current exchange are injected back as one memory prompt.
//
// Basic usage:
//
//	client, err := chatmemory.New(
//	    chatmemory.WithChatClient(summarizer.NewHTTPChatClient(summarizer.HTTPConfig{
//	        APIKey: os.Getenv("OPENAI_API_KEY"),
//	    }), "gpt-4o-mini"),
//	    chatmemory.WithStore(store.NewMemoryStore()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Process(ctx, "room-1", chatmemory.Request{
//	    Chats:            turns,
//	    CurrentTokens:    tokens,
//	    MaxContextTokens: 8192,
//	})
package chatmemory

import (
	"github.com/blueberrycongee/chatmemory/internal/memory"
)

// Version is the current version of chatmemory.
const Version = "1.0.0"

// Re-export the data model so callers need not import internal packages.
type (
	// Turn is one chat message.
	Turn = memory.Turn
	// Summary is a compressed run of turns.
	Summary = memory.Summary
	// Data is the persisted memory of a room.
	Data = memory.Data
	// Settings is the memory preset.
	Settings = memory.Settings
	// Request is the input of one run.
	Request = memory.Request
	// Result is the output of one run.
	Result = memory.Result
)

// DefaultSettings returns the built-in preset.
func DefaultSettings() Settings {
	return memory.DefaultSettings()
}
