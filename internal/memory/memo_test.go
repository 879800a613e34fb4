package memory

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoSet_OrderAndDedupe(t *testing.T) {
	s := NewMemoSet("b", "a", "b", UndefinedMemo, "c")

	assert.Equal(t, 4, s.Len())
	assert.Equal(t, []string{"b", "a", UndefinedMemo, "c"}, s.Values())
	assert.True(t, s.Has(UndefinedMemo))
	assert.False(t, s.Has("z"))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "c", last)

	_, ok = NewMemoSet().Last()
	assert.False(t, ok)
}

func TestIsSubset(t *testing.T) {
	super := NewMemoSet("a", "b", "c")

	tests := []struct {
		name string
		sub  MemoSet
		want bool
	}{
		{"empty", NewMemoSet(), true},
		{"equal", NewMemoSet("c", "b", "a"), true},
		{"proper", NewMemoSet("b"), true},
		{"missing", NewMemoSet("a", "d"), false},
		{"undefined not present", NewMemoSet(UndefinedMemo), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSubset(tt.sub, super))
			assert.Equal(t, tt.want, tt.sub.IsSubsetOf(super))
		})
	}

	assert.True(t, IsSubset(NewMemoSet(UndefinedMemo), NewMemoSet("x", UndefinedMemo)))
}

func TestMemoSet_JSONNull(t *testing.T) {
	s := NewMemoSet("m1", UndefinedMemo, "m2")

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["m1", null, "m2"]`, string(raw))

	var back MemoSet
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s.Values(), back.Values())
	assert.True(t, back.Has(UndefinedMemo))
}

func TestMemoSet_ZeroValueMarshalsEmpty(t *testing.T) {
	raw, err := json.Marshal(MemoSet{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}
