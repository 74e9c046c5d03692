package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/projection"
	"github.com/agencykit/agentd/internal/store"
)

func openTestAgent(t *testing.T) *AgentStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	s, err := NewAgentStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestAgency(t *testing.T) *AgencyStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agency.db"))
	require.NoError(t, err)
	s, err := NewAgencyStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendEventAssignsMonotonicSeq(t *testing.T) {
	s := openTestAgent(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := s.AppendEvent(ctx, events.New(events.TypeAgentStep, events.StepPayload{Step: i - 1}))
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	evs, err := s.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, int64(3), evs[2].Seq)

	max, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	n, err := s.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	after, err := s.EventsAfter(ctx, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].Seq)
}

func TestAddEventsReassignsSeqInChunks(t *testing.T) {
	s := openTestAgent(t)
	ctx := context.Background()

	// Enough rows to force several insert chunks.
	var src []events.Event
	for i := 0; i < 1000; i++ {
		e := events.New(events.TypeAgentStep, events.StepPayload{Step: i})
		e.Seq = int64(i + 500) // source seqs must not survive the import
		src = append(src, e)
	}

	n, err := s.AddEvents(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	evs, err := s.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1000)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, int64(1000), evs[999].Seq)

	var p events.StepPayload
	require.NoError(t, evs[0].Decode(&p))
	assert.Equal(t, 0, p.Step)
}

func TestSnapshotLifecycle(t *testing.T) {
	s := openTestAgent(t)
	ctx := context.Background()

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, seq := range []int64{100, 200, 300, 400} {
		state := projection.Initial()
		state.Step = int(seq)
		require.NoError(t, s.AddSnapshot(ctx, projection.Snapshot{LastEventSeq: seq, State: state}))
	}

	latest, err = s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(400), latest.LastEventSeq)
	assert.Equal(t, 400, latest.State.Step)

	at, err := s.SnapshotAt(ctx, 250)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, int64(200), at.LastEventSeq)

	at, err = s.SnapshotAt(ctx, 50)
	require.NoError(t, err)
	assert.Nil(t, at)

	require.NoError(t, s.PruneSnapshots(ctx, 3))
	at, err = s.SnapshotAt(ctx, 150)
	require.NoError(t, err)
	assert.Nil(t, at, "oldest snapshot should be pruned")
}

func TestMessageRows(t *testing.T) {
	s := openTestAgent(t)
	ctx := context.Background()

	require.NoError(t, s.AddMessage(ctx, messages.Flat{Role: messages.RoleUser, Content: "hi"}))
	require.NoError(t, s.AddMessage(ctx, messages.Flat{
		Role: messages.RoleAssistant,
		ToolCalls: []messages.ToolCall{
			{ID: "c1", Name: "add", Arguments: map[string]any{"a": float64(1)}},
		},
	}))

	msgs, err := s.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "add", msgs[1].ToolCalls[0].Name)
}

func TestKVRoundTripAndPrefixList(t *testing.T) {
	s := openTestAgent(t)
	ctx := context.Background()

	require.NoError(t, s.KVSet(ctx, store.PrefixVars+"NAME", json.RawMessage(`"alice"`)))
	require.NoError(t, s.KVSet(ctx, store.PrefixVars+"RETRIES", json.RawMessage(`3`)))
	require.NoError(t, s.KVSet(ctx, store.PrefixRunState+"x", json.RawMessage(`{}`)))

	v, ok, err := s.KVGet(ctx, store.PrefixVars+"NAME")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"alice"`, string(v))

	_, ok, err = s.KVGet(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	vars, err := s.KVList(ctx, store.PrefixVars)
	require.NoError(t, err)
	assert.Len(t, vars, 2)

	require.NoError(t, s.KVDelete(ctx, store.PrefixVars+"NAME"))
	vars, err = s.KVList(ctx, store.PrefixVars)
	require.NoError(t, err)
	assert.Len(t, vars, 1)
}

func TestTakeWaiterDeletesOnUse(t *testing.T) {
	s := openTestAgent(t)
	ctx := context.Background()

	require.NoError(t, s.AddWaiter(ctx, store.Waiter{Token: "t1", ToolCallID: "c1", ChildID: "child-1"}))
	require.NoError(t, s.AddWaiter(ctx, store.Waiter{Token: "t2", ToolCallID: "c2", ChildID: "child-2"}))

	w, err := s.TakeWaiter(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "child-1", w.ChildID)

	// Second redemption of the same token must fail.
	_, err = s.TakeWaiter(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	left, err := s.ListWaiters(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "t2", left[0].Token)

	cleared, err := s.ClearWaiters(ctx)
	require.NoError(t, err)
	assert.Len(t, cleared, 1)
	left, err = s.ListWaiters(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBlueprintCRUD(t *testing.T) {
	s := openTestAgency(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	bp := store.Blueprint{
		Name:         "researcher",
		Prompt:       "You research things.",
		Capabilities: []string{"@web", "task"},
		Vars:         map[string]any{"DEPTH": float64(2)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.PutBlueprint(ctx, bp))

	got, err := s.GetBlueprint(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, bp.Prompt, got.Prompt)
	assert.Equal(t, bp.Capabilities, got.Capabilities)
	assert.Equal(t, bp.Vars, got.Vars)

	bp.Prompt = "You research things carefully."
	require.NoError(t, s.PutBlueprint(ctx, bp))
	all, err := s.ListBlueprints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "You research things carefully.", all[0].Prompt)

	require.NoError(t, s.DeleteBlueprint(ctx, "researcher"))
	_, err = s.GetBlueprint(ctx, "researcher")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteBlueprint(ctx, "researcher"), store.ErrNotFound)
}

func TestAgentRecords(t *testing.T) {
	s := openTestAgency(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, store.AgentRecord{
		ID:   "a1",
		Type: "researcher",
		Metadata: map[string]string{
			"parentId": "root",
		},
	}))
	require.NoError(t, s.CreateAgent(ctx, store.AgentRecord{ID: "a2", Type: "writer", RelatedAgentID: "a1"}))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "researcher", got.Type)
	assert.Equal(t, "root", got.Metadata["parentId"])

	require.NoError(t, s.UpdateAgent(ctx, "a2", "completed", "done"))
	got, err = s.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "done", got.Report)

	all, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteAgent(ctx, "a1"))
	_, err = s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduleCRUDAndRuns(t *testing.T) {
	s := openTestAgency(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	runAt := now.Add(time.Hour)

	sc := store.Schedule{
		ID:            "s1",
		Name:          "hourly report",
		AgentType:     "reporter",
		Input:         json.RawMessage(`{"message":"go"}`),
		Type:          store.ScheduleCron,
		Cron:          "0 * * * *",
		Timezone:      "UTC",
		Status:        store.ScheduleActive,
		OverlapPolicy: store.OverlapSkip,
		MaxRetries:    2,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextRunAt:     &runAt,
	}
	require.NoError(t, s.PutSchedule(ctx, sc))

	got, err := s.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleCron, got.Type)
	assert.Equal(t, "0 * * * *", got.Cron)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(runAt))
	assert.JSONEq(t, `{"message":"go"}`, string(got.Input))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertRun(ctx, store.ScheduleRun{
			ID:          string(rune('a' + i)),
			ScheduleID:  "s1",
			Status:      store.RunCompleted,
			ScheduledAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}
	runs, err := s.ListRuns(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// Newest first.
	assert.True(t, runs[0].ScheduledAt.After(runs[1].ScheduledAt))

	started := now
	require.NoError(t, s.UpdateRun(ctx, store.ScheduleRun{
		ID: "a", ScheduleID: "s1", AgentID: "agent-1",
		Status: store.RunRunning, ScheduledAt: now, StartedAt: &started,
	}))
	n, err := s.RunningRuns(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteSchedule(ctx, "s1"))
	_, err = s.GetSchedule(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	runs, err = s.ListRuns(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "runs are deleted with their schedule")
}

func TestScheduleRejectsBadEnums(t *testing.T) {
	s := openTestAgency(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.PutSchedule(ctx, store.Schedule{
		ID: "bad", Name: "x", AgentType: "y",
		Type: "sometimes", Status: store.ScheduleActive, OverlapPolicy: store.OverlapSkip,
		CreatedAt: now, UpdatedAt: now,
	})
	assert.Error(t, err)
}

func TestMCPServerCRUD(t *testing.T) {
	s := openTestAgency(t)
	ctx := context.Background()

	require.NoError(t, s.PutMCPServer(ctx, store.MCPServer{
		ID:      "m1",
		Name:    "search",
		URL:     "https://mcp.example.com/stream",
		Headers: map[string]string{"Authorization": "Bearer x"},
		Status:  "ready",
	}))

	got, err := s.GetMCPServer(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "search", got.Name)
	assert.Equal(t, "Bearer x", got.Headers["Authorization"])

	all, err := s.ListMCPServers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteMCPServer(ctx, "m1"))
	_, err = s.GetMCPServer(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFactoryLayoutAndDrop(t *testing.T) {
	root := t.TempDir()
	f := NewFactory(root)

	agency, err := f.OpenAgency("t1")
	require.NoError(t, err)
	defer agency.Close()

	agent, err := f.OpenAgent("t1", "a1")
	require.NoError(t, err)
	_, err = agent.AppendEvent(context.Background(), events.New(events.TypeAgentInvoked, nil))
	require.NoError(t, err)
	require.NoError(t, agent.Close())

	require.NoError(t, f.DropAgent("t1", "a1"))

	// Reopening starts from an empty log.
	agent, err = f.OpenAgent("t1", "a1")
	require.NoError(t, err)
	defer agent.Close()
	n, err := agent.EventCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
