package projection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

func seqEvents(evs ...events.Event) []events.Event {
	for i := range evs {
		evs[i].Seq = int64(i + 1)
	}
	return evs
}

func userMsg(text string) messages.Message {
	return messages.Message{Role: messages.RoleUser, Parts: []messages.Part{messages.TextPart(text)}}
}

func assistantMsg(text string, calls ...messages.ToolCall) messages.Message {
	m := messages.Message{Role: messages.RoleAssistant}
	if text != "" {
		m.Parts = append(m.Parts, messages.TextPart(text))
	}
	for _, c := range calls {
		m.Parts = append(m.Parts, messages.ToolCallPart(c))
	}
	return m
}

func inference(input []messages.Message, output messages.Message, in, out int) events.Event {
	return events.New(events.TypeInferenceDetails, events.InferenceDetailsPayload{
		Input:        events.InferenceInput{Messages: messages.MarshalMessages(input)},
		Output:       messages.MarshalMessages([]messages.Message{output}),
		Usage:        events.Usage{InputTokens: in, OutputTokens: out},
		FinishReason: "stop",
	})
}

func userEvent(text string) events.Event {
	raw, _ := json.Marshal(userMsg(text))
	return events.New(events.TypeUserMessage, events.UserMessagePayload{Message: raw})
}

func TestSingleTurnRun(t *testing.T) {
	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		userEvent("hi"),
		events.New(events.TypeAgentStep, events.StepPayload{Step: 0}),
		inference([]messages.Message{userMsg("hi")}, assistantMsg("hi"), 3, 1),
		events.New(events.TypeAgentCompleted, events.CompletedPayload{Final: "hi"}),
	)

	p := Project(evs)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 3, p.TotalInputTokens)
	assert.Equal(t, 1, p.TotalOutputTokens)
	assert.Equal(t, 1, p.InferenceCount)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, "hi", p.Messages[0].Text())
	assert.Equal(t, messages.RoleAssistant, p.Messages[1].Role)
	assert.Empty(t, p.PendingToolCalls)
}

func TestInputOverlapNotDuplicated(t *testing.T) {
	call := messages.ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"a": float64(2), "b": float64(3)}}
	toolResp := messages.Message{
		Role:  messages.RoleTool,
		Parts: []messages.Part{messages.ToolResponsePart("c1", json.RawMessage(`{"result":5}`))},
	}

	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		userEvent("add 2 and 3"),
		inference([]messages.Message{userMsg("add 2 and 3")}, assistantMsg("", call), 10, 5),
		events.New(events.TypeToolFinish, events.ToolFinishPayload{CallID: "c1", Response: json.RawMessage(`{"result":5}`)}),
		// Turn two repeats the whole history in its input.
		inference(
			[]messages.Message{userMsg("add 2 and 3"), assistantMsg("", call), toolResp},
			assistantMsg("5"), 20, 2,
		),
		events.New(events.TypeAgentCompleted, nil),
	)

	p := Project(evs)
	require.Len(t, p.Messages, 4)
	assert.Equal(t, messages.RoleUser, p.Messages[0].Role)
	assert.Equal(t, messages.RoleAssistant, p.Messages[1].Role)
	assert.Equal(t, messages.RoleTool, p.Messages[2].Role)
	assert.Equal(t, "5", p.Messages[3].Text())

	// No two consecutive structurally equal messages.
	for i := 1; i < len(p.Messages); i++ {
		assert.False(t, messages.Equal(p.Messages[i-1], p.Messages[i]))
	}
}

func TestPendingToolCalls(t *testing.T) {
	c1 := messages.ToolCall{ID: "c1", Name: "a"}
	c2 := messages.ToolCall{ID: "c2", Name: "b"}

	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		inference(nil, assistantMsg("", c1, c2), 1, 1),
	)
	p := Project(evs)
	require.Len(t, p.PendingToolCalls, 2)

	evs = append(evs, events.Event{
		Seq: 3, Type: events.TypeToolFinish,
		Data: mustJSON(events.ToolFinishPayload{CallID: "c1", Response: json.RawMessage(`"ok"`)}),
	})
	p = Project(evs)
	require.Len(t, p.PendingToolCalls, 1)
	assert.Equal(t, "c2", p.PendingToolCalls[0].ID)

	evs = append(evs, events.Event{
		Seq: 4, Type: events.TypeToolError,
		Data: mustJSON(events.ToolErrorPayload{CallID: "c2", Message: "boom"}),
	})
	p = Project(evs)
	assert.Empty(t, p.PendingToolCalls)

	// The error surfaces to the model as a tool response body.
	last := p.Messages[len(p.Messages)-1]
	assert.Equal(t, messages.RoleTool, last.Role)
	var body string
	require.NoError(t, json.Unmarshal(last.Parts[0].Response, &body))
	assert.Equal(t, "Error: boom", body)
}

func TestCancelClearsPending(t *testing.T) {
	c1 := messages.ToolCall{ID: "c1", Name: "a"}
	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		inference(nil, assistantMsg("", c1), 1, 1),
		events.New(events.TypeAgentCanceled, nil),
	)
	p := Project(evs)
	assert.Equal(t, StatusCanceled, p.Status)
	assert.Empty(t, p.PendingToolCalls)
}

func TestErrorStatus(t *testing.T) {
	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		events.New(events.TypeAgentError, events.ErrorPayload{ErrorType: "max_iterations_exceeded", Message: "max_iterations_exceeded"}),
	)
	p := Project(evs)
	assert.Equal(t, StatusError, p.Status)
	require.NotNil(t, p.LastError)
	assert.Equal(t, "max_iterations_exceeded", p.LastError.ErrorType)
}

func TestUnknownEventsAreIdentity(t *testing.T) {
	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		events.New("some.plugin.event", map[string]any{"x": 1}),
		events.New(events.TypeContextSummarized, events.ContextSummarizedPayload{UpToSeq: 1, Summary: "s"}),
	)
	p := Project(evs)
	assert.Equal(t, StatusRunning, p.Status)
	assert.Empty(t, p.Messages)
}

func TestSnapshotEquivalence(t *testing.T) {
	call := messages.ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"a": float64(1)}}
	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		userEvent("go"),
		events.New(events.TypeAgentStep, events.StepPayload{Step: 0}),
		inference([]messages.Message{userMsg("go")}, assistantMsg("", call), 5, 2),
		events.New(events.TypeToolFinish, events.ToolFinishPayload{CallID: "c1", Response: json.RawMessage(`"done"`)}),
		events.New(events.TypeAgentStep, events.StepPayload{Step: 1}),
		inference(nil, assistantMsg("done"), 9, 3),
		events.New(events.TypeAgentCompleted, nil),
	)

	full := Project(evs)

	// Snapshot at every prefix must replay to the same final state.
	for cut := 1; cut < len(evs); cut++ {
		snap := &Snapshot{
			LastEventSeq: evs[cut-1].Seq,
			State:        ProjectUntil(evs, evs[cut-1].Seq),
		}
		resumed := ProjectFromSnapshot(snap, snap.LastEventSeq, evs)
		assert.Equal(t, full, resumed, "snapshot at seq %d", snap.LastEventSeq)
	}
}

func TestProjectUntil(t *testing.T) {
	evs := seqEvents(
		events.New(events.TypeAgentInvoked, nil),
		userEvent("a"),
		userEvent("b"),
	)
	p := ProjectUntil(evs, 2)
	require.Len(t, p.Messages, 1)
	assert.Equal(t, "a", p.Messages[0].Text())
}

func TestApplyIsPure(t *testing.T) {
	base := Initial()
	e := events.New(events.TypeAgentInvoked, nil)
	e.Seq = 1
	next := Apply(base, e)
	assert.Equal(t, StatusIdle, base.Status)
	assert.Equal(t, StatusRunning, next.Status)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
