package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/chatmemory/internal/memory"
)

func TestCountTextTokens(t *testing.T) {
	assert.Zero(t, CountTextTokens("gpt-4o", ""))
	assert.Positive(t, CountTextTokens("gpt-4o", "The harbor was quiet."))
	assert.Equal(t,
		CountTextTokens("gpt-4", "hello world"),
		CountTextTokens("openai/gpt-4", "hello world"),
	)
}

func TestChatTokenizer_Deterministic(t *testing.T) {
	tok := NewChatTokenizer("gpt-4o-mini")
	turn := memory.Turn{Role: memory.RoleAssistant, Content: "The crew hoisted the sails at dawn."}

	first := tok.TokenizeChat(turn)
	assert.Equal(t, first, tok.TokenizeChat(turn))
	assert.Greater(t, first, perTurnOverhead)
}

func TestChatTokenizer_CountsAllFields(t *testing.T) {
	tok := NewChatTokenizer("unknown-model")
	bare := tok.TokenizeChat(memory.Turn{Role: memory.RoleUser, Content: "hi"})
	named := tok.TokenizeChat(memory.Turn{Role: memory.RoleUser, Content: "hi", Name: "example_user"})
	assert.Greater(t, named, bare)

	empty := tok.TokenizeChat(memory.Turn{})
	assert.Equal(t, perTurnOverhead, empty)
}

func TestChatTokenizer_CountTurns(t *testing.T) {
	tok := NewChatTokenizer("gpt-4o")
	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: "one"},
		{Role: memory.RoleAssistant, Content: "two three"},
	}
	assert.Equal(t, tok.TokenizeChat(turns[0])+tok.TokenizeChat(turns[1]), tok.CountTurns(turns))
}
