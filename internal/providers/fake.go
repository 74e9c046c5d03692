package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

// Scripted is a deterministic in-memory Provider used by tests and by
// the dry-run mode: it replays a fixed list of assistant turns.
type Scripted struct {
	mu       sync.Mutex
	turns    []messages.Message
	next     int
	Requests []Request
}

// NewScripted replays turns in order. Invocations past the script
// return an error.
func NewScripted(turns ...messages.Message) *Scripted {
	return &Scripted{turns: turns}
}

func (s *Scripted) Name() string         { return "scripted" }
func (s *Scripted) DefaultModel() string { return "scripted-1" }

func (s *Scripted) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.next >= len(s.turns) {
		return nil, fmt.Errorf("scripted provider exhausted after %d turns", len(s.turns))
	}
	msg := s.turns[s.next]
	s.next++

	finish := "stop"
	if len(msg.ToolCalls()) > 0 {
		finish = "tool_calls"
	}
	msg.Role = messages.RoleAssistant
	msg.FinishReason = finish

	return &Response{
		Message:      msg,
		FinishReason: finish,
		Usage:        events.Usage{InputTokens: 10, OutputTokens: 5},
		Model:        s.DefaultModel(),
	}, nil
}

// Stream replays the next scripted turn as synthesized deltas.
func (s *Scripted) Stream(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error) {
	resp, err := s.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	SynthesizeDeltas(resp, onDelta)
	return resp, nil
}

// Calls returns how many invocations the script has served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

var _ Provider = (*Scripted)(nil)
