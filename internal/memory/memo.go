package memory

import (
	"fmt"

	"github.com/goccy/go-json"
)

// UndefinedMemo is the memo of a turn that has none. It is stored as JSON null.
const UndefinedMemo = ""

// MemoSet is an insertion-ordered set of turn memos.
type MemoSet struct {
	order []string
	index map[string]struct{}
}

// NewMemoSet creates a set holding memos in order, dropping duplicates.
func NewMemoSet(memos ...string) MemoSet {
	var s MemoSet
	for _, m := range memos {
		s.Add(m)
	}
	return s
}

// Add inserts memo if absent.
func (s *MemoSet) Add(memo string) {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[memo]; ok {
		return
	}
	s.index[memo] = struct{}{}
	s.order = append(s.order, memo)
}

// Has reports whether memo is in the set.
func (s MemoSet) Has(memo string) bool {
	_, ok := s.index[memo]
	return ok
}

// Len returns the number of memos.
func (s MemoSet) Len() int {
	return len(s.order)
}

// Values returns the memos in insertion order.
func (s MemoSet) Values() []string {
	return append([]string(nil), s.order...)
}

// Last returns the most recently inserted memo.
func (s MemoSet) Last() (string, bool) {
	if len(s.order) == 0 {
		return "", false
	}
	return s.order[len(s.order)-1], true
}

// IsSubsetOf reports whether every memo of s is in super.
func (s MemoSet) IsSubsetOf(super MemoSet) bool {
	return IsSubset(s, super)
}

// IsSubset reports whether sub is a subset of super. The empty set is a subset
// of every set.
func IsSubset(sub, super MemoSet) bool {
	for _, m := range sub.order {
		if !super.Has(m) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as an array, writing UndefinedMemo as null.
func (s MemoSet) MarshalJSON() ([]byte, error) {
	out := make([]*string, len(s.order))
	for i := range s.order {
		if s.order[i] != UndefinedMemo {
			out[i] = &s.order[i]
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an array of memos, reading null as UndefinedMemo.
func (s *MemoSet) UnmarshalJSON(data []byte) error {
	var raw []*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat memos: %w", err)
	}
	*s = MemoSet{}
	for _, m := range raw {
		if m == nil {
			s.Add(UndefinedMemo)
			continue
		}
		s.Add(*m)
	}
	return nil
}
