// Package store defines the persistence contracts for agency and agent
// actors plus the shared record types they exchange. Each agency and each
// agent owns its own database; no state is shared across actors.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/projection"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KV key prefixes used by the actors.
const (
	PrefixInfo     = "_info:"
	PrefixRunState = "_runState:"
	PrefixVars     = "_vars:"
)

// KV is a key/value mapping whose reads and writes go to storage. A
// reader must observe every key previously written and none deleted.
type KV interface {
	KVGet(ctx context.Context, key string) (json.RawMessage, bool, error)
	KVSet(ctx context.Context, key string, value json.RawMessage) error
	KVDelete(ctx context.Context, key string) error
	KVList(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
}

// Waiter is one outstanding subagent the parent is paused on. The row is
// the anti-replay record: redeeming a token deletes it.
type Waiter struct {
	Token      string    `json:"token"`
	ToolCallID string    `json:"toolCallId"`
	ChildID    string    `json:"childId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AgentStore is the per-agent persistence contract: the append-only event
// log, provider-shaped message rows, projection snapshots, KV metadata,
// and the subagent waiter table.
type AgentStore interface {
	KV

	AppendEvent(ctx context.Context, e events.Event) (int64, error)
	ListEvents(ctx context.Context) ([]events.Event, error)
	EventsAfter(ctx context.Context, seq int64) ([]events.Event, error)
	MaxSeq(ctx context.Context) (int64, error)
	EventCount(ctx context.Context) (int64, error)
	// AddEvents bulk-imports events from a fork source, reassigning
	// sequence numbers. Returns the number of rows inserted.
	AddEvents(ctx context.Context, evs []events.Event) (int, error)

	AddSnapshot(ctx context.Context, snap projection.Snapshot) error
	LatestSnapshot(ctx context.Context) (*projection.Snapshot, error)
	SnapshotAt(ctx context.Context, maxSeq int64) (*projection.Snapshot, error)
	PruneSnapshots(ctx context.Context, keep int) error

	AddMessage(ctx context.Context, m messages.Flat) error
	ListMessages(ctx context.Context) ([]messages.Flat, error)

	AddWaiter(ctx context.Context, w Waiter) error
	ListWaiters(ctx context.Context) ([]Waiter, error)
	// TakeWaiter deletes and returns the waiter for token, or ErrNotFound
	// if the token was never issued or already redeemed.
	TakeWaiter(ctx context.Context, token string) (*Waiter, error)
	ClearWaiters(ctx context.Context) ([]Waiter, error)

	Close() error
}

// Blueprint is a declarative agent definition.
type Blueprint struct {
	Name         string         `json:"name"`
	Prompt       string         `json:"prompt"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Model        string         `json:"model,omitempty"`
	Vars         map[string]any `json:"vars,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// AgentRecord is the agency-side registration of an agent instance.
type AgentRecord struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	CreatedAt      time.Time         `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RelatedAgentID string            `json:"relatedAgentId,omitempty"`
	// Subagent bookkeeping set by the parent on completion reports.
	Status string `json:"status,omitempty"`
	Report string `json:"report,omitempty"`
}

// Schedule types.
const (
	ScheduleOnce     = "once"
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
)

// Schedule statuses.
const (
	ScheduleActive   = "active"
	SchedulePaused   = "paused"
	ScheduleDisabled = "disabled"
)

// Overlap policies. OverlapQueue degrades to OverlapAllow: the engine
// starts a new run without coordination (there is no persisted
// per-schedule FIFO to defer into).
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
	OverlapAllow = "allow"
)

// Schedule drives recurring or one-shot agent runs.
type Schedule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	AgentType     string          `json:"agentType"`
	Input         json.RawMessage `json:"input,omitempty"`
	Type          string          `json:"type"`
	RunAt         *time.Time      `json:"runAt,omitempty"`
	Cron          string          `json:"cron,omitempty"`
	Timezone      string          `json:"timezone,omitempty"`
	IntervalMs    int64           `json:"intervalMs,omitempty"`
	Status        string          `json:"status"`
	OverlapPolicy string          `json:"overlapPolicy"`
	MaxRetries    int             `json:"maxRetries"`
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	LastRunAt     *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time      `json:"nextRunAt,omitempty"`
}

// ScheduleRun statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// ScheduleRun is one execution attempt of a schedule.
type ScheduleRun struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"scheduleId"`
	AgentID     string     `json:"agentId,omitempty"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// MCPServer is a configured remote tool server.
type MCPServer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Status    string            `json:"status"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// AgencyStore is the per-tenant persistence contract.
type AgencyStore interface {
	KV

	PutBlueprint(ctx context.Context, bp Blueprint) error
	GetBlueprint(ctx context.Context, name string) (*Blueprint, error)
	ListBlueprints(ctx context.Context) ([]Blueprint, error)
	DeleteBlueprint(ctx context.Context, name string) error

	CreateAgent(ctx context.Context, rec AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	UpdateAgent(ctx context.Context, id string, status, report string) error
	DeleteAgent(ctx context.Context, id string) error

	PutSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	InsertRun(ctx context.Context, r ScheduleRun) error
	UpdateRun(ctx context.Context, r ScheduleRun) error
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error)
	RunningRuns(ctx context.Context, scheduleID string) (int, error)

	PutMCPServer(ctx context.Context, s MCPServer) error
	GetMCPServer(ctx context.Context, id string) (*MCPServer, error)
	ListMCPServers(ctx context.Context) ([]MCPServer, error)
	DeleteMCPServer(ctx context.Context, id string) error

	Close() error
}

// Factory opens per-actor stores. The sqlite implementation maps each
// agency and each agent to its own database file.
type Factory interface {
	OpenAgency(agencyID string) (AgencyStore, error)
	OpenAgent(agencyID, agentID string) (AgentStore, error)
	// DropAgent removes an agent's database entirely.
	DropAgent(agencyID, agentID string) error
	// DropAgency removes an agency's database and all of its agents'.
	DropAgency(agencyID string) error
}
