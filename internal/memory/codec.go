package memory

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// wireSummary accepts summaries written by older releases, which may lack an
// id or the importance flag.
type wireSummary struct {
	ID          *string `json:"id"`
	Text        string  `json:"text"`
	ChatMemos   MemoSet `json:"chatMemos"`
	IsImportant *bool   `json:"isImportant"`
}

// wireData is the persisted room blob. lastSelectedSummaries is a legacy
// field that is read and discarded.
type wireData struct {
	Summaries             []wireSummary     `json:"summaries"`
	Metrics               *SelectionMetrics `json:"metrics,omitempty"`
	LastSelectedSummaries []int             `json:"lastSelectedSummaries,omitempty"`
}

// Decode parses a persisted room blob. An empty blob is an empty memory.
func Decode(raw []byte) (*Data, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &Data{Summaries: []Summary{}}, nil
	}

	var wire wireData
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode memory data: %w", err)
	}

	data := &Data{
		Summaries: make([]Summary, 0, len(wire.Summaries)),
		Metrics:   wire.Metrics,
	}
	for _, ws := range wire.Summaries {
		s := Summary{Text: ws.Text, ChatMemos: ws.ChatMemos}
		if ws.ID != nil && *ws.ID != "" {
			s.ID = *ws.ID
		} else {
			s.ID = uuid.NewString()
		}
		if ws.IsImportant != nil {
			s.IsImportant = *ws.IsImportant
		}
		data.Summaries = append(data.Summaries, s)
	}
	return data, nil
}

// Encode serializes d for persistence.
func Encode(d *Data) ([]byte, error) {
	if d == nil {
		d = &Data{}
	}
	out := *d
	if out.Summaries == nil {
		out.Summaries = []Summary{}
	}
	raw, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode memory data: %w", err)
	}
	return raw, nil
}
