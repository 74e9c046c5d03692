package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/projection"
	"github.com/agencykit/agentd/internal/store"
)

const agentSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	data TEXT,
	ts DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	reasoning_content TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	last_event_seq INTEGER PRIMARY KEY,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subagent_waiters (
	token TEXT PRIMARY KEY,
	tool_call_id TEXT NOT NULL,
	child_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// AgentStore is the sqlite-backed per-agent store.
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore creates the schema and returns the store.
func NewAgentStore(db *sql.DB) (*AgentStore, error) {
	if _, err := db.Exec(agentSchema); err != nil {
		return nil, fmt.Errorf("create agent schema: %w", err)
	}
	return &AgentStore{db: db}, nil
}

func (s *AgentStore) Close() error { return s.db.Close() }

// AppendEvent inserts one event and returns its assigned sequence number.
func (s *AgentStore) AppendEvent(ctx context.Context, e events.Event) (int64, error) {
	ts := e.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, data, ts) VALUES (?, ?, ?)`,
		e.Type, nullableJSON(e.Data), ts)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event id: %w", err)
	}
	return seq, nil
}

// AddEvents bulk-imports fork events, reassigning sequence numbers.
// Inserts are chunked to stay below the parameter limit.
func (s *AgentStore) AddEvents(ctx context.Context, evs []events.Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}

	const paramsPerRow = 3
	chunkSize := maxSQLParams / paramsPerRow

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("add events: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for start := 0; start < len(evs); start += chunkSize {
		end := min(start+chunkSize, len(evs))
		chunk := evs[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*paramsPerRow)
		for _, e := range chunk {
			ts := e.Ts
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			placeholders = append(placeholders, "(?, ?, ?)")
			args = append(args, e.Type, nullableJSON(e.Data), ts)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (type, data, ts) VALUES `+strings.Join(placeholders, ", "),
			args...)
		if err != nil {
			return 0, fmt.Errorf("add events chunk: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("add events commit: %w", err)
	}
	return inserted, nil
}

func (s *AgentStore) ListEvents(ctx context.Context) ([]events.Event, error) {
	return s.queryEvents(ctx, `SELECT seq, type, data, ts FROM events ORDER BY seq`)
}

func (s *AgentStore) EventsAfter(ctx context.Context, seq int64) ([]events.Event, error) {
	return s.queryEvents(ctx, `SELECT seq, type, data, ts FROM events WHERE seq > ? ORDER BY seq`, seq)
}

func (s *AgentStore) queryEvents(ctx context.Context, query string, args ...any) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Type, &data, &e.Ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AgentStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *AgentStore) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return n, nil
}

func (s *AgentStore) AddSnapshot(ctx context.Context, snap projection.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	created := snap.CreatedAt
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (last_event_seq, state, created_at) VALUES (?, ?, ?)`,
		snap.LastEventSeq, string(state), time.UnixMilli(created).UTC())
	if err != nil {
		return fmt.Errorf("add snapshot: %w", err)
	}
	return nil
}

func (s *AgentStore) LatestSnapshot(ctx context.Context) (*projection.Snapshot, error) {
	return s.querySnapshot(ctx,
		`SELECT last_event_seq, state, created_at FROM snapshots ORDER BY last_event_seq DESC LIMIT 1`)
}

func (s *AgentStore) SnapshotAt(ctx context.Context, maxSeq int64) (*projection.Snapshot, error) {
	return s.querySnapshot(ctx,
		`SELECT last_event_seq, state, created_at FROM snapshots WHERE last_event_seq <= ? ORDER BY last_event_seq DESC LIMIT 1`,
		maxSeq)
}

func (s *AgentStore) querySnapshot(ctx context.Context, query string, args ...any) (*projection.Snapshot, error) {
	var snap projection.Snapshot
	var state string
	var created time.Time
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snap.LastEventSeq, &state, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.CreatedAt = created.UnixMilli()
	return &snap, nil
}

func (s *AgentStore) PruneSnapshots(ctx context.Context, keep int) error {
	if keep <= 0 {
		keep = 3
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE last_event_seq NOT IN (
			SELECT last_event_seq FROM snapshots ORDER BY last_event_seq DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func (s *AgentStore) AddMessage(ctx context.Context, m messages.Flat) error {
	var toolCalls any
	if len(m.ToolCalls) > 0 {
		raw, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (role, content, tool_calls, tool_call_id, reasoning_content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Role, m.Content, toolCalls, m.ToolCallID, m.ReasoningContent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (s *AgentStore) ListMessages(ctx context.Context) ([]messages.Flat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id, reasoning_content, created_at FROM messages ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []messages.Flat
	for rows.Next() {
		var m messages.Flat
		var toolCalls sql.NullString
		var created time.Time
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.ReasoningContent, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.Ts = created.UnixMilli()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *AgentStore) KVGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
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

func (s *AgentStore) KVSet(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, string(value))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *AgentStore) KVDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *AgentStore) KVList(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
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

func (s *AgentStore) AddWaiter(ctx context.Context, w Waiter) error {
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subagent_waiters (token, tool_call_id, child_id, created_at) VALUES (?, ?, ?, ?)`,
		w.Token, w.ToolCallID, w.ChildID, created)
	if err != nil {
		return fmt.Errorf("add waiter: %w", err)
	}
	return nil
}

func (s *AgentStore) ListWaiters(ctx context.Context) ([]Waiter, error) {
	return s.queryWaiters(ctx,
		`SELECT token, tool_call_id, child_id, created_at FROM subagent_waiters ORDER BY created_at`)
}

// TakeWaiter deletes and returns the waiter row for token. The
// delete-on-use semantics make the row the anti-replay record.
func (s *AgentStore) TakeWaiter(ctx context.Context, token string) (*Waiter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("take waiter: %w", err)
	}
	defer tx.Rollback()

	var w Waiter
	err = tx.QueryRowContext(ctx,
		`SELECT token, tool_call_id, child_id, created_at FROM subagent_waiters WHERE token = ?`,
		token).Scan(&w.Token, &w.ToolCallID, &w.ChildID, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take waiter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subagent_waiters WHERE token = ?`, token); err != nil {
		return nil, fmt.Errorf("take waiter delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("take waiter commit: %w", err)
	}
	return &w, nil
}

func (s *AgentStore) ClearWaiters(ctx context.Context) ([]Waiter, error) {
	waiters, err := s.ListWaiters(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subagent_waiters`); err != nil {
		return nil, fmt.Errorf("clear waiters: %w", err)
	}
	return waiters, nil
}

func (s *AgentStore) queryWaiters(ctx context.Context, query string, args ...any) ([]Waiter, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waiters: %w", err)
	}
	defer rows.Close()

	var out []Waiter
	for rows.Next() {
		var w Waiter
		if err := rows.Scan(&w.Token, &w.ToolCallID, &w.ChildID, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan waiter: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Waiter aliases the store type for brevity inside this package.
type Waiter = store.Waiter

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// likePrefix escapes LIKE metacharacters so prefix scans stay literal.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

var _ store.AgentStore = (*AgentStore)(nil)
