// Package providers abstracts chat-completion model backends behind a
// single Invoke contract with shared retry and rate-limit handling.
package providers

import (
	"context"
	"encoding/json"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

// ToolDefinition describes one callable tool in provider-neutral form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is a single model invocation. Messages are canonical; each
// provider flattens them to its own wire form.
type Request struct {
	Model          string
	SystemPrompt   string
	Messages       []messages.Message
	Tools          []ToolDefinition
	ToolChoice     string // "", "auto", "none", "required", or a tool name
	ResponseFormat string // "", "text", or "json_object"
	Temperature    *float64
	MaxTokens      int
	Stop           []string
}

// Response is the assistant turn a provider produced.
type Response struct {
	Message      messages.Message
	FinishReason string
	Usage        events.Usage
	Model        string
	// Raw is the provider's unmodified response body, kept for the
	// inference audit trail.
	Raw json.RawMessage
}

// Delta is one incremental chunk of a streamed response. Tool calls
// are not surfaced incrementally; they arrive on the final Response.
type Delta struct {
	Text      string
	Reasoning string
	Done      bool
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name identifies the backend in logs and traces.
	Name() string
	// DefaultModel is used when a request leaves Model empty.
	DefaultModel() string
	// Invoke runs one completion. It blocks until the model answers,
	// the retry budget is exhausted, or ctx is canceled.
	Invoke(ctx context.Context, req Request) (*Response, error)
	// Stream runs one completion, emitting chunks through onDelta as
	// they arrive and returning the same final Response as Invoke.
	// Backends without true streaming synthesize deltas from the
	// complete answer.
	Stream(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error)
}

// SynthesizeDeltas replays a completed response through onDelta, for
// backends and paths that produced the answer without streaming.
func SynthesizeDeltas(resp *Response, onDelta func(Delta)) {
	if onDelta == nil || resp == nil {
		return
	}
	for _, part := range resp.Message.Parts {
		switch part.Kind {
		case messages.PartReasoning:
			onDelta(Delta{Reasoning: part.Reasoning})
		case messages.PartText:
			onDelta(Delta{Text: part.Text})
		}
	}
	onDelta(Delta{Done: true})
}
