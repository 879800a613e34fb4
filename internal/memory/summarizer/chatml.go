package summarizer

import (
	"regexp"
	"strings"

	"github.com/blueberrycongee/chatmemory/pkg/types"
)

const (
	chatMLStart = "<|im_start|>"
	chatMLSep   = "<|im_sep|>"
	chatMLEnd   = "<|im_end|>"
)

var (
	thoughtsPattern = regexp.MustCompile(`(?s)<Thoughts>(.+)</Thoughts>`)
	thinkPattern    = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// ParseChatML parses a ChatML template into messages. It returns false when
// text does not start with a ChatML block.
func ParseChatML(text string) ([]types.ChatMessage, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, chatMLStart) {
		return nil, false
	}

	var msgs []types.ChatMessage
	for _, block := range strings.Split(trimmed, chatMLStart) {
		if block == "" {
			continue
		}
		role, body := splitRole(block)
		body = strings.TrimSpace(body)
		body = strings.TrimSuffix(body, chatMLEnd)
		body = thoughtsPattern.ReplaceAllString(body, "")
		msgs = append(msgs, types.ChatMessage{Role: role, Content: strings.TrimSpace(body)})
	}
	return msgs, true
}

// splitRole detects the role header of a ChatML block. Blocks without a known
// header are user messages.
func splitRole(block string) (string, string) {
	for _, role := range []string{"user", "system", "assistant"} {
		if strings.HasPrefix(block, role+chatMLSep) {
			return role, block[len(role)+len(chatMLSep):]
		}
		if strings.HasPrefix(block, role+" ") || strings.HasPrefix(block, role+"\n") {
			return role, block[len(role)+1:]
		}
	}
	return "user", block
}

// StripThinking removes <think> spans emitted by reasoning models.
func StripThinking(text string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(text, ""))
}
