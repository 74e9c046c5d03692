// Package projection derives agent state from event logs. The fold is
// pure: the same event sequence always produces the same state, whether
// replayed from scratch or resumed from a snapshot.
package projection

import (
	"encoding/json"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

// Run statuses implied by lifecycle events.
const (
	StatusIdle       = "idle"
	StatusRegistered = "registered"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusCanceled   = "canceled"
	StatusError      = "error"
)

// Projection is the derived view of one agent's event log.
type Projection struct {
	Messages          []messages.Message   `json:"messages"`
	Status            string               `json:"status"`
	Step              int                  `json:"step"`
	PendingToolCalls  []messages.ToolCall  `json:"pendingToolCalls,omitempty"`
	TotalInputTokens  int                  `json:"totalInputTokens"`
	TotalOutputTokens int                  `json:"totalOutputTokens"`
	InferenceCount    int                  `json:"inferenceCount"`
	LastError         *events.ErrorPayload `json:"lastError,omitempty"`
}

// Snapshot is a cached projection at a specific sequence number.
type Snapshot struct {
	LastEventSeq int64      `json:"lastEventSeq"`
	State        Projection `json:"state"`
	CreatedAt    int64      `json:"createdAt"`
}

// Initial returns the zero projection.
func Initial() Projection {
	return Projection{Status: StatusIdle}
}

// clone copies the projection so Apply never aliases caller state.
func clone(p Projection) Projection {
	out := p
	out.Messages = append([]messages.Message(nil), p.Messages...)
	out.PendingToolCalls = append([]messages.ToolCall(nil), p.PendingToolCalls...)
	if p.LastError != nil {
		e := *p.LastError
		out.LastError = &e
	}
	return out
}

// Apply folds one event into the state. Unknown event types are identity
// transitions, which keeps plugin-defined events forward compatible.
func Apply(state Projection, e events.Event) Projection {
	switch e.Type {
	case events.TypeAgentInvoked:
		s := clone(state)
		s.Status = StatusRunning
		return s

	case events.TypeAgentStep:
		var p events.StepPayload
		if err := e.Decode(&p); err != nil {
			return state
		}
		s := clone(state)
		s.Step = p.Step + 1
		return s

	case events.TypeAgentPaused:
		s := clone(state)
		s.Status = StatusPaused
		return s

	case events.TypeAgentResumed:
		s := clone(state)
		s.Status = StatusRunning
		return s

	case events.TypeAgentCompleted:
		s := clone(state)
		s.Status = StatusCompleted
		s.PendingToolCalls = nil
		return s

	case events.TypeAgentCanceled:
		s := clone(state)
		s.Status = StatusCanceled
		s.PendingToolCalls = nil
		return s

	case events.TypeAgentError:
		var p events.ErrorPayload
		if err := e.Decode(&p); err != nil {
			return state
		}
		s := clone(state)
		s.Status = StatusError
		s.LastError = &p
		return s

	case events.TypeInferenceDetails:
		var p events.InferenceDetailsPayload
		if err := e.Decode(&p); err != nil {
			return state
		}
		return applyInference(state, p)

	case events.TypeToolFinish:
		var p events.ToolFinishPayload
		if err := e.Decode(&p); err != nil {
			return state
		}
		s := clone(state)
		s.Messages = append(s.Messages, messages.Message{
			Role:  messages.RoleTool,
			Parts: []messages.Part{messages.ToolResponsePart(p.CallID, p.Response)},
		})
		s.PendingToolCalls = removeCall(s.PendingToolCalls, p.CallID)
		return s

	case events.TypeToolError:
		var p events.ToolErrorPayload
		if err := e.Decode(&p); err != nil {
			return state
		}
		body, _ := json.Marshal("Error: " + p.Message)
		s := clone(state)
		s.Messages = append(s.Messages, messages.Message{
			Role:  messages.RoleTool,
			Parts: []messages.Part{messages.ToolResponsePart(p.CallID, body)},
		})
		s.PendingToolCalls = removeCall(s.PendingToolCalls, p.CallID)
		return s

	case events.TypeUserMessage:
		var p events.UserMessagePayload
		if err := e.Decode(&p); err != nil {
			return state
		}
		var m messages.Message
		if err := json.Unmarshal(p.Message, &m); err != nil {
			return state
		}
		s := clone(state)
		s.Messages = append(s.Messages, m)
		return s

	default:
		// content.message, system markers, and plugin-defined events do
		// not change the projection.
		return state
	}
}

func applyInference(state Projection, p events.InferenceDetailsPayload) Projection {
	s := clone(state)
	s.InferenceCount++
	s.TotalInputTokens += p.Usage.InputTokens
	s.TotalOutputTokens += p.Usage.OutputTokens

	// On turn N+1 the input repeats every message already projected plus
	// the new tail (tool results appended since the last call, fresh user
	// input). Walk the existing messages in order and append only input
	// messages not yet seen.
	input, err := messages.UnmarshalMessages(p.Input.Messages)
	if err == nil {
		idx := 0
		for _, in := range input {
			if in.Role == messages.RoleSystem {
				continue
			}
			matched := false
			for idx < len(s.Messages) {
				if messages.Equal(s.Messages[idx], in) {
					idx++
					matched = true
					break
				}
				idx++
			}
			if !matched {
				s.Messages = append(s.Messages, in)
				idx = len(s.Messages)
			}
		}
	}

	output, err := messages.UnmarshalMessages(p.Output)
	if err == nil {
		s.Messages = append(s.Messages, output...)

		// Pending calls reset to the latest inference's tool calls.
		s.PendingToolCalls = nil
		for _, m := range output {
			s.PendingToolCalls = append(s.PendingToolCalls, m.ToolCalls()...)
		}
	}
	return s
}

func removeCall(calls []messages.ToolCall, id string) []messages.ToolCall {
	out := calls[:0]
	for _, c := range calls {
		if c.ID != id {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Project folds all events from the initial projection.
func Project(evs []events.Event) Projection {
	return ProjectFromSnapshot(nil, 0, evs)
}

// ProjectUntil folds events with Seq <= seq.
func ProjectUntil(evs []events.Event, seq int64) Projection {
	state := Initial()
	for _, e := range evs {
		if e.Seq > seq {
			break
		}
		state = Apply(state, e)
	}
	return state
}

// ProjectFromSnapshot resumes the fold from a snapshot, applying only
// events with Seq > snapSeq. A nil snapshot starts from Initial.
func ProjectFromSnapshot(snap *Snapshot, snapSeq int64, evs []events.Event) Projection {
	state := Initial()
	if snap != nil {
		state = clone(snap.State)
		snapSeq = snap.LastEventSeq
	}
	for _, e := range evs {
		if snap != nil && e.Seq <= snapSeq {
			continue
		}
		state = Apply(state, e)
	}
	return state
}
