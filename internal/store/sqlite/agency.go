package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencykit/agentd/internal/store"
)

const agencySchema = `
CREATE TABLE IF NOT EXISTS blueprints (
	name TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	metadata TEXT,
	related_agent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	report TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS agent_schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	input TEXT,
	type TEXT NOT NULL CHECK (type IN ('once', 'cron', 'interval')),
	run_at DATETIME,
	cron TEXT NOT NULL DEFAULT '',
	timezone TEXT NOT NULL DEFAULT '',
	interval_ms INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('active', 'paused', 'disabled')),
	overlap_policy TEXT NOT NULL CHECK (overlap_policy IN ('skip', 'queue', 'allow')),
	max_retries INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_run_at DATETIME,
	next_run_at DATETIME
);

CREATE TABLE IF NOT EXISTS schedule_runs (
	id TEXT PRIMARY KEY,
	schedule_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'skipped')),
	scheduled_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule ON schedule_runs(schedule_id, scheduled_at DESC);

CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// AgencyStore is the sqlite-backed per-tenant store.
type AgencyStore struct {
	db *sql.DB
}

// NewAgencyStore creates the schema and returns the store.
func NewAgencyStore(db *sql.DB) (*AgencyStore, error) {
	if _, err := db.Exec(agencySchema); err != nil {
		return nil, fmt.Errorf("create agency schema: %w", err)
	}
	return &AgencyStore{db: db}, nil
}

func (s *AgencyStore) Close() error { return s.db.Close() }

func (s *AgencyStore) PutBlueprint(ctx context.Context, bp store.Blueprint) error {
	data, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blueprints (name, data, updated_at) VALUES (?, ?, ?)`,
		bp.Name, string(data), bp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put blueprint: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetBlueprint(ctx context.Context, name string) (*store.Blueprint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blueprints WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	var bp store.Blueprint
	if err := json.Unmarshal([]byte(data), &bp); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}
	return &bp, nil
}

func (s *AgencyStore) ListBlueprints(ctx context.Context) ([]store.Blueprint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM blueprints ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	var out []store.Blueprint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan blueprint: %w", err)
		}
		var bp store.Blueprint
		if err := json.Unmarshal([]byte(data), &bp); err != nil {
			return nil, fmt.Errorf("decode blueprint: %w", err)
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

func (s *AgencyStore) DeleteBlueprint(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blueprints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AgencyStore) CreateAgent(ctx context.Context, rec store.AgentRecord) error {
	var metadata any
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal agent metadata: %w", err)
		}
		metadata = string(raw)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, type, created_at, metadata, related_agent_id, status, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, created, metadata, rec.RelatedAgentID, rec.Status, rec.Report)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetAgent(ctx context.Context, id string) (*store.AgentRecord, error) {
	rows, err := s.queryAgents(ctx,
		`SELECT id, type, created_at, metadata, related_agent_id, status, report FROM agents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *AgencyStore) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	return s.queryAgents(ctx,
		`SELECT id, type, created_at, metadata, related_agent_id, status, report FROM agents ORDER BY created_at`)
}

func (s *AgencyStore) queryAgents(ctx context.Context, query string, args ...any) ([]store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []store.AgentRecord
	for rows.Next() {
		var rec store.AgentRecord
		var metadata sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.CreatedAt, &metadata, &rec.RelatedAgentID, &rec.Status, &rec.Report); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode agent metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *AgencyStore) UpdateAgent(ctx context.Context, id string, status, report string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, report = ? WHERE id = ?`, status, report, id)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AgencyStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *AgencyStore) PutSchedule(ctx context.Context, sc store.Schedule) error {
	var input any
	if len(sc.Input) > 0 {
		input = string(sc.Input)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_schedules
		 (id, name, agent_type, input, type, run_at, cron, timezone, interval_ms, status,
		  overlap_policy, max_retries, timeout_ms, created_at, updated_at, last_run_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.AgentType, input, sc.Type, nullableTime(sc.RunAt), sc.Cron, sc.Timezone,
		sc.IntervalMs, sc.Status, sc.OverlapPolicy, sc.MaxRetries, sc.TimeoutMs,
		sc.CreatedAt, sc.UpdatedAt, nullableTime(sc.LastRunAt), nullableTime(sc.NextRunAt))
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	rows, err := s.querySchedules(ctx, scheduleSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *AgencyStore) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	return s.querySchedules(ctx, scheduleSelect+` ORDER BY created_at`)
}

const scheduleSelect = `SELECT id, name, agent_type, input, type, run_at, cron, timezone, interval_ms,
	status, overlap_policy, max_retries, timeout_ms, created_at, updated_at, last_run_at, next_run_at
	FROM agent_schedules`

func (s *AgencyStore) querySchedules(ctx context.Context, query string, args ...any) ([]store.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []store.Schedule
	for rows.Next() {
		var sc store.Schedule
		var input sql.NullString
		var runAt, lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.AgentType, &input, &sc.Type, &runAt, &sc.Cron,
			&sc.Timezone, &sc.IntervalMs, &sc.Status, &sc.OverlapPolicy, &sc.MaxRetries,
			&sc.TimeoutMs, &sc.CreatedAt, &sc.UpdatedAt, &lastRun, &nextRun); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if input.Valid {
			sc.Input = json.RawMessage(input.String)
		}
		sc.RunAt = timePtr(runAt)
		sc.LastRunAt = timePtr(lastRun)
		sc.NextRunAt = timePtr(nextRun)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *AgencyStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM schedule_runs WHERE schedule_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule runs: %w", err)
	}
	return nil
}

func (s *AgencyStore) InsertRun(ctx context.Context, r store.ScheduleRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_runs (id, schedule_id, agent_id, status, scheduled_at, started_at, completed_at, error, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScheduleID, r.AgentID, r.Status, r.ScheduledAt,
		nullableTime(r.StartedAt), nullableTime(r.CompletedAt), r.Error, r.RetryCount)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *AgencyStore) UpdateRun(ctx context.Context, r store.ScheduleRun) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedule_runs SET agent_id = ?, status = ?, started_at = ?, completed_at = ?, error = ?, retry_count = ?
		 WHERE id = ?`,
		r.AgentID, r.Status, nullableTime(r.StartedAt), nullableTime(r.CompletedAt), r.Error, r.RetryCount, r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *AgencyStore) ListRuns(ctx context.Context, scheduleID string, limit int) ([]store.ScheduleRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, agent_id, status, scheduled_at, started_at, completed_at, error, retry_count
		 FROM schedule_runs WHERE schedule_id = ? ORDER BY scheduled_at DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.ScheduleRun
	for rows.Next() {
		var r store.ScheduleRun
		var started, completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.AgentID, &r.Status, &r.ScheduledAt,
			&started, &completed, &r.Error, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = timePtr(started)
		r.CompletedAt = timePtr(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AgencyStore) RunningRuns(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedule_runs WHERE schedule_id = ? AND status = 'running'`,
		scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("running runs: %w", err)
	}
	return n, nil
}

func (s *AgencyStore) PutMCPServer(ctx context.Context, srv store.MCPServer) error {
	data, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("marshal mcp server: %w", err)
	}
	created := srv.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO mcp_servers (id, data, created_at) VALUES (?, ?, ?)`,
		srv.ID, string(data), created)
	if err != nil {
		return fmt.Errorf("put mcp server: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetMCPServer(ctx context.Context, id string) (*store.MCPServer, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mcp_servers WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mcp server: %w", err)
	}
	var srv store.MCPServer
	if err := json.Unmarshal([]byte(data), &srv); err != nil {
		return nil, fmt.Errorf("decode mcp server: %w", err)
	}
	return &srv, nil
}

func (s *AgencyStore) ListMCPServers(ctx context.Context) ([]store.MCPServer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM mcp_servers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []store.MCPServer
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan mcp server: %w", err)
		}
		var srv store.MCPServer
		if err := json.Unmarshal([]byte(data), &srv); err != nil {
			return nil, fmt.Errorf("decode mcp server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *AgencyStore) DeleteMCPServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// KV implementation shared with the agent store shape.

func (s *AgencyStore) KVGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return json.RawMessage(value), true, nil
}

func (s *AgencyStore) KVSet(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, string(value))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *AgencyStore) KVDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *AgencyStore) KVList(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv scan: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ store.AgencyStore = (*AgencyStore)(nil)
