package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripUserText(t *testing.T) {
	f := Flat{Role: RoleUser, Content: "hello"}
	m, err := ToParts(f)
	require.NoError(t, err)
	back, err := FromParts(m)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestRoundTripSystemText(t *testing.T) {
	f := Flat{Role: RoleSystem, Content: "You echo."}
	m, err := ToParts(f)
	require.NoError(t, err)
	back, err := FromParts(m)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestRoundTripAssistantTextAndReasoning(t *testing.T) {
	f := Flat{
		Role:             RoleAssistant,
		Content:          "the answer is 4",
		ReasoningContent: "2+2 is 4",
		FinishReason:     "stop",
	}
	m, err := ToParts(f)
	require.NoError(t, err)
	require.Len(t, m.Parts, 2)
	assert.Equal(t, PartReasoning, m.Parts[0].Kind)
	assert.Equal(t, PartText, m.Parts[1].Kind)

	back, err := FromParts(m)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestRoundTripAssistantToolCalls(t *testing.T) {
	f := Flat{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "add", Arguments: map[string]any{"a": float64(2), "b": float64(3)}},
			{ID: "c2", Name: "echo", Arguments: map[string]any{"message": "hi"}},
		},
	}
	m, err := ToParts(f)
	require.NoError(t, err)
	assert.Len(t, m.ToolCalls(), 2)

	back, err := FromParts(m)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestRoundTripToolResponseString(t *testing.T) {
	f := Flat{Role: RoleTool, ToolCallID: "c1", Content: "5"}
	m, err := ToParts(f)
	require.NoError(t, err)
	require.Len(t, m.Parts, 1)
	assert.Equal(t, PartToolCallResponse, m.Parts[0].Kind)

	back, err := FromParts(m)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestObjectToolResponseStringifies(t *testing.T) {
	m := Message{
		Role:  RoleTool,
		Parts: []Part{ToolResponsePart("c1", json.RawMessage(`{"result":5}`))},
	}
	f, err := FromParts(m)
	require.NoError(t, err)
	assert.Equal(t, "c1", f.ToolCallID)
	assert.JSONEq(t, `{"result":5}`, f.Content)
}

func TestToPartsMissingRole(t *testing.T) {
	_, err := ToParts(Flat{Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestToPartsToolMissingCallID(t *testing.T) {
	_, err := ToParts(Flat{Role: RoleTool, Content: "5"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEqualIgnoresTimestamps(t *testing.T) {
	a := Message{Role: RoleUser, Parts: []Part{TextPart("hi")}, Ts: 1}
	b := Message{Role: RoleUser, Parts: []Part{TextPart("hi")}, Ts: 99}
	assert.True(t, Equal(a, b))
}

func TestEqualToolCallArgsOrderInsensitive(t *testing.T) {
	a := Message{Role: RoleAssistant, Parts: []Part{
		ToolCallPart(ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"a": 2, "b": 3}}),
	}}
	b := Message{Role: RoleAssistant, Parts: []Part{
		ToolCallPart(ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"b": float64(3), "a": float64(2)}}),
	}}
	assert.True(t, Equal(a, b))

	c := Message{Role: RoleAssistant, Parts: []Part{
		ToolCallPart(ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"a": 9, "b": 3}}),
	}}
	assert.False(t, Equal(a, c))
}

func TestEqualToolResponseWhitespaceInsensitive(t *testing.T) {
	a := Message{Role: RoleTool, Parts: []Part{ToolResponsePart("c1", json.RawMessage(`{"x": 1}`))}}
	b := Message{Role: RoleTool, Parts: []Part{ToolResponsePart("c1", json.RawMessage(`{"x":1}`))}}
	assert.True(t, Equal(a, b))
}
