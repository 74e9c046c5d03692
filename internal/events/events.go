// Package events defines the append-only event records that are the sole
// source of truth for agent state. Events are discriminated by a string
// type so that plugin-defined types remain representable; consumers that
// do not recognize a type must treat it as opaque.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Agent lifecycle event types.
const (
	TypeAgentInvoked   = "agent.invoked"
	TypeAgentStep      = "agent.step"
	TypeAgentPaused    = "agent.paused"
	TypeAgentResumed   = "agent.resumed"
	TypeAgentCompleted = "agent.completed"
	TypeAgentError     = "agent.error"
	TypeAgentCanceled  = "agent.canceled"
)

// Inference and content event types.
const (
	TypeInferenceDetails = "inference.details"
	TypeContentMessage   = "content.message"
)

// Tool lifecycle event types.
const (
	TypeToolStart  = "tool.start"
	TypeToolFinish = "tool.finish"
	TypeToolError  = "tool.error"
)

// Input and marker event types.
const (
	TypeUserMessage  = "user.message"
	TypeSystemMarker = "system.marker"
)

// Plugin-defined event types shipped with the built-in plugins.
const (
	TypeContextSummarized = "context.summarized"
)

// Event is one append-only record in an agent's log. Seq is assigned by
// the store at append time and is monotone per agent.
type Event struct {
	Seq  int64           `json:"seq"`
	Ts   time.Time       `json:"ts"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an unsequenced event with the payload marshaled into Data.
// Marshal failures are programmer errors on payload structs and panic.
func New(typ string, payload any) Event {
	e := Event{Ts: time.Now().UTC(), Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("events: marshal %s payload: %v", typ, err))
		}
		e.Data = data
	}
	return e
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("events: decode %s: %w", e.Type, err)
	}
	return nil
}

// InvokedPayload records the origin of a run.
type InvokedPayload struct {
	AgentType string            `json:"agentType,omitempty"`
	Source    string            `json:"source,omitempty"`
	Vars      map[string]any    `json:"vars,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StepPayload carries the step counter at the time the step began.
type StepPayload struct {
	Step int `json:"step"`
}

// PausedPayload carries the pause reason ("hitl", "subagent", ...).
type PausedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ResumedPayload carries the resume reason.
type ResumedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CompletedPayload carries the final assistant text of a run.
type CompletedPayload struct {
	Final string `json:"final,omitempty"`
}

// ErrorPayload is a terminal error record.
type ErrorPayload struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
}

// CanceledPayload carries an optional cancellation reason.
type CanceledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Usage is the token accounting of one model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// InferenceDetailsPayload captures one full model call: the input sent,
// the output messages returned, token usage, and the finish reason.
// Messages are stored in their canonical parts form.
type InferenceDetailsPayload struct {
	Input        InferenceInput  `json:"input"`
	Output       json.RawMessage `json:"output"` // []messages.Message
	Usage        Usage           `json:"usage"`
	FinishReason string          `json:"finishReason,omitempty"`
	Model        string          `json:"model,omitempty"`
}

// InferenceInput is the request side of an inference-details event.
type InferenceInput struct {
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Messages     json.RawMessage `json:"messages"` // []messages.Message
}

// ContentMessagePayload is the redundant per-turn content event consumed
// by UIs without replaying inference details.
type ContentMessagePayload struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls json.RawMessage `json:"toolCalls,omitempty"`
}

// ToolStartPayload marks the start of one tool execution.
type ToolStartPayload struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolFinishPayload records a successful tool result. Response is the
// JSON-encoded return value of the tool.
type ToolFinishPayload struct {
	CallID   string          `json:"callId"`
	Name     string          `json:"name,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ToolErrorPayload records a failed tool execution.
type ToolErrorPayload struct {
	CallID    string `json:"callId"`
	Name      string `json:"name,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Message   string `json:"message"`
}

// UserMessagePayload is user input appended outside of inference.
type UserMessagePayload struct {
	Message json.RawMessage `json:"message"` // messages.Message
}

// SystemMarkerPayload is a free-form marker record.
type SystemMarkerPayload struct {
	Marker string `json:"marker"`
	Detail string `json:"detail,omitempty"`
}

// ContextSummarizedPayload is emitted by the summarizer plugin when older
// history has been folded into a summary.
type ContextSummarizedPayload struct {
	UpToSeq int64  `json:"upToSeq"`
	Summary string `json:"summary"`
}
