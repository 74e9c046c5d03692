// Package agent implements the per-agent actor: a single goroutine that
// owns the agent's event log, projection, and step loop. All external
// interaction goes through the mailbox; only run cancellation is
// delivered out of band so a blocked model call can be interrupted.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/plugins"
	"github.com/agencykit/agentd/internal/projection"
	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/store"
	"github.com/agencykit/agentd/internal/tools"
)

// ErrClosed is returned when posting to a stopped actor.
var ErrClosed = errors.New("agent actor closed")

// Defaults for loop limits.
const (
	DefaultMaxIterations    = 200
	DefaultMaxParallelTools = 25
	DefaultSnapshotEvery    = 100
	DefaultSnapshotKeep     = 3
)

// Pause reasons recorded in agent.paused events.
const (
	PauseReasonSubagent = "subagent"
)

// Config identifies and parameterizes one agent instance.
type Config struct {
	AgencyID     string
	ID           string
	Type         string
	Prompt       string
	Capabilities []string
	Model        string

	// MaxIterations caps loop steps per run; 0 means unlimited.
	MaxIterations int
	// MaxParallelTools caps concurrent tool executions. All calls of a
	// turn run as a single batch throttled to this many at a time.
	MaxParallelTools int
	SnapshotEvery    int64
	SnapshotKeep     int
}

// AgencyHooks is the slice of agency behavior an agent actor calls out
// to. The agency actor implements it.
type AgencyHooks interface {
	SpawnSubagent(ctx context.Context, parentID string, spec tools.SpawnSpec) (childID string, err error)
	MessageAgent(ctx context.Context, senderID string, spec tools.SendSpec) error
	// ReportToParent redeems a waiter token on the given agent.
	ReportToParent(ctx context.Context, parentID, childID, token, status, report string) error
	// CancelSubagent cancels a running child.
	CancelSubagent(ctx context.Context, childID string) error
}

// Relay receives every event the actor appends, for live subscribers.
type Relay func(agentID string, e events.Event)

// Services are the collaborators an actor runs against.
type Services struct {
	Store    store.AgentStore
	Registry *tools.Registry
	Provider providers.Provider
	Plugins  *plugins.Host
	Hooks    AgencyHooks
	Relay    Relay
	Log      *slog.Logger
}

// replyToken is an armed reply for a message_agent sender, delivered on
// run completion.
type replyToken struct {
	SenderID string `json:"senderId"`
	Token    string `json:"token"`
}

const replyTokensKey = store.PrefixRunState + "replyTokens"

func waiterRecord(token, callID, childID string) store.Waiter {
	return store.Waiter{Token: token, ToolCallID: callID, ChildID: childID}
}

// Actor is one agent instance.
type Actor struct {
	cfg    Config
	svc    Services
	log    *slog.Logger
	tracer trace.Tracer

	mailbox chan func()
	closed  chan struct{}
	once    sync.Once

	// Owned by the actor goroutine.
	proj            projection.Projection
	maxSeq          int64
	lastSnapshotSeq int64
	vars            map[string]any
	approved        map[string]bool
	modified        map[string]messages.ToolCall
	replies         []replyToken
	toolset         map[string]tools.Tool

	mu        sync.Mutex
	runCancel context.CancelFunc
}

// New builds an actor. Start must be called before use.
func New(cfg Config, svc Services) *Actor {
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = DefaultSnapshotKeep
	}
	log := svc.Log
	if log == nil {
		log = slog.Default()
	}
	return &Actor{
		cfg:      cfg,
		svc:      svc,
		log:      log.With("agency", cfg.AgencyID, "agent", cfg.ID),
		tracer:   otel.Tracer("agentd/agent"),
		mailbox:  make(chan func(), 64),
		closed:   make(chan struct{}),
		approved: make(map[string]bool),
		modified: make(map[string]messages.ToolCall),
	}
}

// Start restores state from storage and launches the actor goroutine.
func (a *Actor) Start(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	go a.run()
	a.send(func() { a.svc.Plugins.Init(context.Background(), a.runtime()) })
	return nil
}

func (a *Actor) restore(ctx context.Context) error {
	snap, err := a.svc.Store.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	var after int64
	a.proj = projection.Initial()
	if snap != nil {
		a.proj = snap.State
		after = snap.LastEventSeq
		a.lastSnapshotSeq = snap.LastEventSeq
	}
	evs, err := a.svc.Store.EventsAfter(ctx, after)
	if err != nil {
		return fmt.Errorf("restore events: %w", err)
	}
	for _, e := range evs {
		a.proj = projection.Apply(a.proj, e)
	}
	if a.maxSeq, err = a.svc.Store.MaxSeq(ctx); err != nil {
		return fmt.Errorf("restore seq: %w", err)
	}

	a.vars = make(map[string]any)
	kvVars, err := a.svc.Store.KVList(ctx, store.PrefixVars)
	if err != nil {
		return fmt.Errorf("restore vars: %w", err)
	}
	for key, raw := range kvVars {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			a.vars[key[len(store.PrefixVars):]] = v
		}
	}

	if raw, ok, err := a.svc.Store.KVGet(ctx, replyTokensKey); err != nil {
		return fmt.Errorf("restore replies: %w", err)
	} else if ok {
		_ = json.Unmarshal(raw, &a.replies)
	}
	return nil
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.closed:
			return
		}
	}
}

// Close stops the actor. A running step loop is canceled first.
func (a *Actor) Close() {
	a.cancelRun()
	a.once.Do(func() { close(a.closed) })
}

func (a *Actor) cancelRun() {
	a.mu.Lock()
	cancel := a.runCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// send enqueues fn without waiting for it.
func (a *Actor) send(fn func()) error {
	select {
	case a.mailbox <- fn:
		return nil
	case <-a.closed:
		return ErrClosed
	}
}

// call enqueues fn and waits for it to finish.
func (a *Actor) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case a.mailbox <- wrapped:
	case <-a.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the agent's identifier.
func (a *Actor) ID() string { return a.cfg.ID }

// Type returns the blueprint name the agent was spawned from.
func (a *Actor) Type() string { return a.cfg.Type }

// Invoke appends the user message and starts (or queues) a run. It
// returns once the message is accepted, not when the run finishes.
func (a *Actor) Invoke(ctx context.Context, message string) error {
	if message == "" {
		return fmt.Errorf("invoke: empty message")
	}
	return a.send(func() { a.handleInvoke(message) })
}

func (a *Actor) handleInvoke(message string) {
	ctx := context.Background()

	if a.proj.Status == projection.StatusIdle || a.proj.Status == projection.StatusRegistered {
		a.emit(ctx, events.TypeAgentInvoked, events.InvokedPayload{AgentType: a.cfg.Type})
	}
	userMsg := messages.Message{Role: messages.RoleUser, Parts: []messages.Part{messages.TextPart(message)}}
	raw, _ := json.Marshal(userMsg)
	a.emit(ctx, events.TypeUserMessage, events.UserMessagePayload{Message: raw})

	// A paused run keeps its message queued: subagent waiters must all
	// report, and human approval gates stay closed, before stepping.
	if a.proj.Status == projection.StatusPaused {
		return
	}
	a.runLoop()
}

// Cancel aborts the current run. The loop records agent.canceled; if no
// loop is active the event is appended directly.
func (a *Actor) Cancel(ctx context.Context) error {
	a.cancelRun()
	return a.call(ctx, func() {
		if a.proj.Status == projection.StatusPaused {
			a.emit(context.Background(), events.TypeAgentCanceled, events.CanceledPayload{})
		}
	})
}

// ApproveRequest resolves a human-approval pause.
type ApproveRequest struct {
	Approved bool
	// ModifiedToolCalls replace pending calls by ID before execution.
	ModifiedToolCalls []messages.ToolCall
}

// Approve resumes a run paused for tool approval.
func (a *Actor) Approve(ctx context.Context, req ApproveRequest) error {
	return a.call(ctx, func() {
		if a.proj.Status != projection.StatusPaused {
			return
		}
		bg := context.Background()
		if !req.Approved {
			a.emit(bg, events.TypeAgentCanceled, events.CanceledPayload{})
			return
		}
		for _, call := range a.proj.PendingToolCalls {
			a.approved[call.ID] = true
		}
		for _, mc := range req.ModifiedToolCalls {
			a.approved[mc.ID] = true
			a.modified[mc.ID] = mc
		}
		a.emit(bg, events.TypeAgentResumed, events.ResumedPayload{})
		a.runLoop()
	})
}

// SubagentReport redeems a waiter token with a child's outcome. Unknown
// or already-redeemed tokens are ignored.
func (a *Actor) SubagentReport(ctx context.Context, token, status, report string) error {
	return a.call(ctx, func() { a.handleReport(token, status, report) })
}

func (a *Actor) handleReport(token, status, report string) {
	ctx := context.Background()

	w, err := a.svc.Store.TakeWaiter(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		a.log.Warn("agent.report_replayed", "token", token)
		return
	}
	if err != nil {
		a.log.Error("agent.report_failed", "error", err)
		return
	}

	if status == "error" {
		a.emit(ctx, events.TypeToolError, events.ToolErrorPayload{
			CallID: w.ToolCallID, Name: "task", ErrorType: "subagent_error", Message: report,
		})
	} else {
		resp, _ := json.Marshal(struct {
			AgentID string `json:"agentId"`
			Result  string `json:"result"`
		}{AgentID: w.ChildID, Result: report})
		a.emit(ctx, events.TypeToolFinish, events.ToolFinishPayload{
			CallID: w.ToolCallID, Name: "task", Response: resp,
		})
	}

	left, err := a.svc.Store.ListWaiters(ctx)
	if err != nil {
		a.log.Error("agent.list_waiters_failed", "error", err)
		return
	}
	if len(left) > 0 {
		return
	}
	if a.proj.Status == projection.StatusPaused {
		a.emit(ctx, events.TypeAgentResumed, events.ResumedPayload{})
		a.runLoop()
	}
}

// ReceiveMessage handles a message_agent delivery: the message is run
// like a user turn, and the sender's token is answered on completion.
func (a *Actor) ReceiveMessage(ctx context.Context, senderID, message, token string) error {
	return a.send(func() {
		a.replies = append(a.replies, replyToken{SenderID: senderID, Token: token})
		a.persistReplies(context.Background())
		a.handleInvoke(fmt.Sprintf("[message from agent %s] %s", senderID, message))
	})
}

// CancelSubagents drops all waiters and cancels their children.
func (a *Actor) CancelSubagents(ctx context.Context) error {
	return a.call(ctx, func() {
		bg := context.Background()
		waiters, err := a.svc.Store.ClearWaiters(bg)
		if err != nil {
			a.log.Error("agent.clear_waiters_failed", "error", err)
			return
		}
		for _, w := range waiters {
			if err := a.svc.Hooks.CancelSubagent(bg, w.ChildID); err != nil {
				a.log.Warn("agent.cancel_subagent_failed", "child", w.ChildID, "error", err)
			}
			a.emit(bg, events.TypeToolError, events.ToolErrorPayload{
				CallID: w.ToolCallID, Name: "task", ErrorType: "canceled", Message: "subagent canceled",
			})
		}
		if len(waiters) > 0 && a.proj.Status == projection.StatusPaused {
			a.emit(bg, events.TypeAgentResumed, events.ResumedPayload{})
			a.runLoop()
		}
	})
}

// State is a read-only view of the agent for API responses.
type State struct {
	ID               string                  `json:"id"`
	Type             string                  `json:"type"`
	Status           string                  `json:"status"`
	Step             int                     `json:"step"`
	Messages         []messages.Message      `json:"messages"`
	PendingToolCalls []messages.ToolCall     `json:"pendingToolCalls,omitempty"`
	InputTokens      int                     `json:"inputTokens"`
	OutputTokens     int                     `json:"outputTokens"`
	InferenceCount   int                     `json:"inferenceCount"`
	LastError        *events.ErrorPayload    `json:"lastError,omitempty"`
	Waiters          []store.Waiter          `json:"waiters,omitempty"`
	Vars             map[string]any          `json:"vars,omitempty"`
}

// State snapshots the current projection.
func (a *Actor) State(ctx context.Context) (*State, error) {
	var out *State
	err := a.call(ctx, func() {
		waiters, _ := a.svc.Store.ListWaiters(context.Background())
		vars := make(map[string]any, len(a.vars))
		for k, v := range a.vars {
			vars[k] = v
		}
		out = &State{
			ID:               a.cfg.ID,
			Type:             a.cfg.Type,
			Status:           a.proj.Status,
			Step:             a.proj.Step,
			Messages:         a.proj.Messages,
			PendingToolCalls: a.proj.PendingToolCalls,
			InputTokens:      a.proj.TotalInputTokens,
			OutputTokens:     a.proj.TotalOutputTokens,
			InferenceCount:   a.proj.InferenceCount,
			LastError:        a.proj.LastError,
			Waiters:          waiters,
			Vars:             vars,
		}
	})
	return out, err
}

// StateAt replays the log up to maxSeq for time travel inspection.
func (a *Actor) StateAt(ctx context.Context, maxSeq int64) (*projection.Projection, error) {
	var out *projection.Projection
	err := a.call(ctx, func() {
		bg := context.Background()
		snap, serr := a.svc.Store.SnapshotAt(bg, maxSeq)
		if serr != nil {
			a.log.Error("agent.snapshot_at_failed", "error", serr)
		}
		var p projection.Projection
		var after int64
		if snap != nil {
			p = snap.State
			after = snap.LastEventSeq
		} else {
			p = projection.Initial()
		}
		evs, eerr := a.svc.Store.EventsAfter(bg, after)
		if eerr != nil {
			a.log.Error("agent.events_after_failed", "error", eerr)
			return
		}
		for _, e := range evs {
			if e.Seq > maxSeq {
				break
			}
			p = projection.Apply(p, e)
		}
		out = &p
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("state at %d unavailable", maxSeq)
	}
	return out, nil
}

// Events returns the log after seq (0 for all).
func (a *Actor) Events(ctx context.Context, afterSeq int64) ([]events.Event, error) {
	var out []events.Event
	var ferr error
	err := a.call(ctx, func() {
		out, ferr = a.svc.Store.EventsAfter(context.Background(), afterSeq)
	})
	if err != nil {
		return nil, err
	}
	return out, ferr
}

// SetVar persists one agent variable.
func (a *Actor) SetVar(ctx context.Context, name string, value any) error {
	var ferr error
	err := a.call(ctx, func() {
		ferr = a.setVar(context.Background(), name, value)
	})
	if err != nil {
		return err
	}
	return ferr
}

func (a *Actor) setVar(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set var: %w", err)
	}
	if err := a.svc.Store.KVSet(ctx, store.PrefixVars+name, raw); err != nil {
		return err
	}
	a.vars[name] = value
	return nil
}

// GetVars returns a copy of the agent's variables.
func (a *Actor) GetVars(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	err := a.call(ctx, func() {
		for k, v := range a.vars {
			out[k] = v
		}
	})
	return out, err
}

// DeleteVar removes one variable.
func (a *Actor) DeleteVar(ctx context.Context, name string) error {
	var ferr error
	err := a.call(ctx, func() {
		ferr = a.svc.Store.KVDelete(context.Background(), store.PrefixVars+name)
		delete(a.vars, name)
	})
	if err != nil {
		return err
	}
	return ferr
}

func (a *Actor) persistReplies(ctx context.Context) {
	raw, err := json.Marshal(a.replies)
	if err == nil {
		err = a.svc.Store.KVSet(ctx, replyTokensKey, raw)
	}
	if err != nil {
		a.log.Error("agent.persist_replies_failed", "error", err)
	}
}

// emit appends one event, folds it into the projection, and fans it out
// to the relay and plugins. Snapshots are taken on threshold crossings.
func (a *Actor) emit(ctx context.Context, typ string, payload any) int64 {
	e := events.New(typ, payload)
	seq, err := a.svc.Store.AppendEvent(ctx, e)
	if err != nil {
		a.log.Error("agent.append_failed", "type", typ, "error", err)
		return 0
	}
	e.Seq = seq
	a.maxSeq = seq
	a.proj = projection.Apply(a.proj, e)

	if a.svc.Relay != nil {
		a.svc.Relay(a.cfg.ID, e)
	}
	a.svc.Plugins.Event(ctx, a.runtime(), typ, seq)

	if seq-a.lastSnapshotSeq >= a.cfg.SnapshotEvery {
		snap := projection.Snapshot{LastEventSeq: seq, State: a.proj}
		if err := a.svc.Store.AddSnapshot(ctx, snap); err != nil {
			a.log.Error("agent.snapshot_failed", "error", err)
		} else {
			a.lastSnapshotSeq = seq
			if err := a.svc.Store.PruneSnapshots(ctx, a.cfg.SnapshotKeep); err != nil {
				a.log.Warn("agent.snapshot_prune_failed", "error", err)
			}
		}
	}
	return seq
}
