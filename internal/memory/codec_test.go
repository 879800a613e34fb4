package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Empty(t *testing.T) {
	for _, raw := range []string{"", "  ", "null"} {
		data, err := Decode([]byte(raw))
		require.NoError(t, err)
		assert.Empty(t, data.Summaries)
		assert.NotNil(t, data.Summaries)
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`{"summaries": 3}`))
	assert.Error(t, err)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := &Data{
		Summaries: []Summary{
			{ID: "s1", Text: "They met at the harbor.", ChatMemos: NewMemoSet("a", UndefinedMemo)},
			{ID: "s2", Text: "A storm hit.", ChatMemos: NewMemoSet("b"), IsImportant: true},
		},
		Metrics: &SelectionMetrics{
			LastImportantSummaries: []int{1},
			LastRecentSummaries:    []int{0},
			LastSimilarSummaries:   []int{},
			LastRandomSummaries:    []int{},
		},
	}

	raw, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"chatMemos":["a",null]`)

	out, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, out.Summaries, 2)
	for i := range in.Summaries {
		assert.Equal(t, in.Summaries[i].ID, out.Summaries[i].ID)
		assert.Equal(t, in.Summaries[i].Text, out.Summaries[i].Text)
		assert.Equal(t, in.Summaries[i].IsImportant, out.Summaries[i].IsImportant)
		assert.Equal(t, in.Summaries[i].ChatMemos.Values(), out.Summaries[i].ChatMemos.Values())
	}
	assert.Equal(t, in.Metrics, out.Metrics)
}

func TestDecode_LegacyBlob(t *testing.T) {
	raw := `{
		"summaries": [
			{"text": "Old summary", "chatMemos": ["m1", "m2"]},
			{"id": "", "text": "Blank id", "chatMemos": []}
		],
		"lastSelectedSummaries": [0, 1]
	}`

	data, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, data.Summaries, 2)

	assert.NotEmpty(t, data.Summaries[0].ID)
	assert.NotEmpty(t, data.Summaries[1].ID)
	assert.NotEqual(t, data.Summaries[0].ID, data.Summaries[1].ID)
	assert.False(t, data.Summaries[0].IsImportant)
	assert.Equal(t, []string{"m1", "m2"}, data.Summaries[0].ChatMemos.Values())
	assert.Nil(t, data.Metrics)

	reencoded, err := Encode(data)
	require.NoError(t, err)
	assert.NotContains(t, string(reencoded), "lastSelectedSummaries")
}

func TestEncode_Nil(t *testing.T) {
	raw, err := Encode(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summaries":[]}`, string(raw))
}

func TestData_SetImportant(t *testing.T) {
	data := &Data{Summaries: []Summary{{ID: "a"}, {ID: "b"}}}

	assert.True(t, data.SetImportant("b", true))
	assert.True(t, data.Summaries[1].IsImportant)
	assert.False(t, data.SetImportant("missing", true))
	assert.True(t, data.SetImportant("b", false))
	assert.False(t, data.Summaries[1].IsImportant)
}

func TestData_CloneIsolated(t *testing.T) {
	data := &Data{Summaries: []Summary{{ID: "a"}}}
	clone := data.Clone()
	clone.Summaries[0].IsImportant = true
	clone.Summaries = append(clone.Summaries, Summary{ID: "b"})

	assert.False(t, data.Summaries[0].IsImportant)
	assert.Len(t, data.Summaries, 1)

	var nilData *Data
	assert.NotNil(t, nilData.Clone().Summaries)
}
