// Package messages defines the canonical "parts" form of a conversation
// message and the codec to and from the flat legacy form used by
// chat-completions providers and older persisted rows.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned when a message is missing a required field.
var ErrInvalidMessage = errors.New("invalid message")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part kinds.
const (
	PartText             = "text"
	PartReasoning        = "reasoning"
	PartToolCall         = "tool_call"
	PartToolCallResponse = "tool_call_response"
	PartMedia            = "media"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Part is one segment of a message. Kind selects which of the remaining
// fields is meaningful.
type Part struct {
	Kind      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	ToolCall  *ToolCall `json:"toolCall,omitempty"`

	// Tool response fields (Kind == PartToolCallResponse). Response holds
	// the raw JSON value: a string, object, or null.
	CallID   string          `json:"callId,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`

	// Media reference (Kind == PartMedia).
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is the canonical structured form.
type Message struct {
	Role         string `json:"role"`
	Parts        []Part `json:"parts"`
	FinishReason string `json:"finishReason,omitempty"`
	Ts           int64  `json:"ts,omitempty"`
}

// Flat is the legacy flat form: one content string plus optional tool
// call metadata, as stored in provider-shaped history rows.
type Flat struct {
	Role             string     `json:"role"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoningContent,omitempty"`
	ToolCalls        []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID       string     `json:"toolCallId,omitempty"`
	FinishReason     string     `json:"finishReason,omitempty"`
	Ts               int64      `json:"ts,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// ReasoningPart builds a reasoning part.
func ReasoningPart(r string) Part { return Part{Kind: PartReasoning, Reasoning: r} }

// ToolCallPart builds a tool-call part.
func ToolCallPart(tc ToolCall) Part { return Part{Kind: PartToolCall, ToolCall: &tc} }

// ToolResponsePart builds a tool-call-response part from a raw JSON value.
func ToolResponsePart(callID string, response json.RawMessage) Part {
	return Part{Kind: PartToolCallResponse, CallID: callID, Response: response}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns all tool-call parts.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToParts converts a flat legacy message to the canonical form.
func ToParts(f Flat) (Message, error) {
	if f.Role == "" {
		return Message{}, fmt.Errorf("%w: missing role", ErrInvalidMessage)
	}

	m := Message{Role: f.Role, FinishReason: f.FinishReason, Ts: f.Ts}

	if f.Role == RoleTool {
		if f.ToolCallID == "" {
			return Message{}, fmt.Errorf("%w: tool message missing toolCallId", ErrInvalidMessage)
		}
		// Tool responses carry arbitrary JSON on the parts side; the flat
		// side is always a string, so wrap it as a JSON string value.
		resp, err := json.Marshal(f.Content)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		m.Parts = append(m.Parts, ToolResponsePart(f.ToolCallID, resp))
		return m, nil
	}

	if f.ReasoningContent != "" {
		m.Parts = append(m.Parts, ReasoningPart(f.ReasoningContent))
	}
	if f.Content != "" {
		m.Parts = append(m.Parts, TextPart(f.Content))
	}
	for _, tc := range f.ToolCalls {
		m.Parts = append(m.Parts, ToolCallPart(tc))
	}
	return m, nil
}

// FromParts converts a canonical message to the flat legacy form. Object
// tool responses stringify; string responses unwrap to the bare string.
func FromParts(m Message) (Flat, error) {
	if m.Role == "" {
		return Flat{}, fmt.Errorf("%w: missing role", ErrInvalidMessage)
	}

	f := Flat{Role: m.Role, FinishReason: m.FinishReason, Ts: m.Ts}

	for _, p := range m.Parts {
		switch p.Kind {
		case PartText:
			f.Content += p.Text
		case PartReasoning:
			f.ReasoningContent += p.Reasoning
		case PartToolCall:
			if p.ToolCall == nil {
				return Flat{}, fmt.Errorf("%w: tool_call part without call", ErrInvalidMessage)
			}
			f.ToolCalls = append(f.ToolCalls, *p.ToolCall)
		case PartToolCallResponse:
			if p.CallID == "" {
				return Flat{}, fmt.Errorf("%w: tool_call_response part without callId", ErrInvalidMessage)
			}
			f.ToolCallID = p.CallID
			f.Content += responseString(p.Response)
		case PartMedia:
			// Media references have no flat representation; dropped.
		default:
			return Flat{}, fmt.Errorf("%w: unknown part type %q", ErrInvalidMessage, p.Kind)
		}
	}
	return f, nil
}

// responseString renders a tool response value as the flat content
// string: bare strings unwrap, everything else keeps its JSON encoding.
func responseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Equal reports structural equality of (role, parts). Finish reasons and
// timestamps are excluded so that the same logical message observed at
// different times still matches.
func Equal(a, b Message) bool {
	if a.Role != b.Role || len(a.Parts) != len(b.Parts) {
		return false
	}
	for i := range a.Parts {
		if !partEqual(a.Parts[i], b.Parts[i]) {
			return false
		}
	}
	return true
}

func partEqual(a, b Part) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case PartText:
		return a.Text == b.Text
	case PartReasoning:
		return a.Reasoning == b.Reasoning
	case PartToolCall:
		if (a.ToolCall == nil) != (b.ToolCall == nil) {
			return false
		}
		if a.ToolCall == nil {
			return true
		}
		if a.ToolCall.ID != b.ToolCall.ID || a.ToolCall.Name != b.ToolCall.Name {
			return false
		}
		aj, _ := json.Marshal(normalizeJSON(a.ToolCall.Arguments))
		bj, _ := json.Marshal(normalizeJSON(b.ToolCall.Arguments))
		return string(aj) == string(bj)
	case PartToolCallResponse:
		return a.CallID == b.CallID && canonicalRaw(a.Response) == canonicalRaw(b.Response)
	case PartMedia:
		return a.URL == b.URL && a.Mime == b.Mime
	default:
		aj, _ := json.Marshal(a)
		bj, _ := json.Marshal(b)
		return string(aj) == string(bj)
	}
}

// canonicalRaw re-encodes raw JSON through any so that key order and
// whitespace differences do not defeat equality.
func canonicalRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(normalizeJSON(v))
	return string(out)
}

// normalizeJSON coerces numbers to float64 so that values decoded from
// different sources compare equal.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeJSON(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeJSON(vv)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// MarshalMessages encodes a message slice for embedding in event payloads.
func MarshalMessages(ms []Message) json.RawMessage {
	if ms == nil {
		ms = []Message{}
	}
	out, _ := json.Marshal(ms)
	return out
}

// UnmarshalMessages decodes a message slice from an event payload.
func UnmarshalMessages(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ms []Message
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("messages: decode: %w", err)
	}
	return ms, nil
}
