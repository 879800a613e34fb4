package memory

import "strings"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reserved memos and names that mark turns the engine never summarizes.
const (
	MemoNewChat        = "NewChat"
	MemoNewChatExample = "NewChatExample"
	MemoMemoryPrompt   = "supaMemory"

	NameExampleUser      = "example_user"
	NameExampleAssistant = "example_assistant"
)

const (
	// MinChatsForSimilarity is the number of trailing turns that are never
	// summarized and that serve as similarity queries.
	MinChatsForSimilarity = 3

	memoryPromptTag  = "Past Events Summary"
	summarySeparator = "\n\n"
)

// Turn is one chat message. Memo is a stable identifier of the turn; an empty
// memo is a valid, "undefined" identifier.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	Memo    string `json:"memo,omitempty"`
}

// summarizable reports whether t may be folded into a summary.
func (t Turn) summarizable(skipUser bool) bool {
	switch {
	case t.Name == NameExampleUser, t.Name == NameExampleAssistant, t.Memo == MemoNewChatExample:
		return false
	case t.Memo == MemoNewChat:
		return false
	case strings.TrimSpace(t.Content) == "":
		return false
	case skipUser && t.Role == RoleUser:
		return false
	}
	return true
}

// Summary is a compressed stand-in for a run of turns. Only IsImportant is
// ever changed after creation.
type Summary struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	ChatMemos   MemoSet `json:"chatMemos"`
	IsImportant bool    `json:"isImportant"`
}

// SelectionMetrics records the indices of summaries picked by each strategy
// on the last run. Diagnostic only.
type SelectionMetrics struct {
	LastImportantSummaries []int `json:"lastImportantSummaries"`
	LastRecentSummaries    []int `json:"lastRecentSummaries"`
	LastSimilarSummaries   []int `json:"lastSimilarSummaries"`
	LastRandomSummaries    []int `json:"lastRandomSummaries"`
}

// Data is the persisted memory of one conversation room. Summaries are kept in
// creation order, which is the only chronological order.
type Data struct {
	Summaries []Summary         `json:"summaries"`
	Metrics   *SelectionMetrics `json:"metrics,omitempty"`
}

// Clone returns a copy of d whose summary slice can be modified freely.
func (d *Data) Clone() *Data {
	if d == nil {
		return &Data{Summaries: []Summary{}}
	}
	out := &Data{Summaries: make([]Summary, len(d.Summaries))}
	copy(out.Summaries, d.Summaries)
	if d.Metrics != nil {
		m := *d.Metrics
		out.Metrics = &m
	}
	return out
}

// IndexOf returns the position of the summary with id, or -1.
func (d *Data) IndexOf(id string) int {
	for i, s := range d.Summaries {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// SetImportant flags or unflags the summary with id. It reports whether the
// summary exists.
func (d *Data) SetImportant(id string, important bool) bool {
	idx := d.IndexOf(id)
	if idx < 0 {
		return false
	}
	d.Summaries[idx].IsImportant = important
	return true
}

// Request is the input of one engine run.
type Request struct {
	// Chats is the full turn history, oldest first.
	Chats []Turn
	// CurrentTokens is the token count of Chats plus any fixed prompt parts.
	CurrentTokens int
	// MaxContextTokens is the model context window.
	MaxContextTokens int
	// MaxResponseTokens is subtracted from CurrentTokens before budgeting.
	MaxResponseTokens int
}

// Result is the output of one engine run. Err carries recoverable failures;
// Memory then holds the last known good state to persist.
type Result struct {
	CurrentTokens int
	Chats         []Turn
	Memory        *Data
	Err           error
}

// wrapWithTag wraps content in an XML-like block named tag.
func wrapWithTag(tag, content string) string {
	return "<" + tag + ">\n" + content + "\n</" + tag + ">"
}
