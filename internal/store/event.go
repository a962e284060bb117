package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Event types recorded by hook handlers and the control plane.
const (
	EventToolStart    = "tool_start"
	EventToolEnd      = "tool_end"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventMailSent     = "mail_sent"
	EventMailReceived = "mail_received"
	EventSpawn        = "spawn"
	EventError        = "error"
	EventCustom       = "custom"
)

// Event is one append-only observability record.
type Event struct {
	ID             int64
	RunID          string
	AgentName      string
	SessionID      string
	EventType      string
	ToolName       string
	ToolArgs       string // JSON text
	ToolDurationMs int64  // -1 when not yet correlated
	Level          string // debug|info|warn|error
	Data           string // JSON text
	CreatedAt      time.Time
}

// EventStore persists events.db.
type EventStore struct {
	db *DB
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT,
	agent_name       TEXT NOT NULL,
	session_id       TEXT,
	event_type       TEXT NOT NULL,
	tool_name        TEXT,
	tool_args        TEXT,
	tool_duration_ms INTEGER,
	level            TEXT NOT NULL DEFAULT 'info',
	data             TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_agent_time ON events(agent_name, created_at);
CREATE INDEX IF NOT EXISTS idx_events_run_time   ON events(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_time  ON events(event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_events_tool_agent ON events(tool_name, agent_name);
CREATE INDEX IF NOT EXISTS idx_events_errors     ON events(created_at) WHERE level = 'error';
`

// OpenEventStore opens events.db, creating the schema on first use.
func OpenEventStore(path string) (*EventStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.sql.Exec(eventSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating event schema: %w", err)
	}
	return &EventStore{db: db}, nil
}

func (e *EventStore) Close() error { return e.db.Close() }

// Insert appends one event. The timestamp is assigned here so insert
// order matches timestamp order within the store.
func (e *EventStore) Insert(ev Event) (int64, error) {
	if ev.AgentName == "" {
		return 0, fmt.Errorf("event has no agent name")
	}
	if ev.EventType == "" {
		return 0, fmt.Errorf("event has no type")
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	// tool_start rows always begin uncorrelated.
	var duration any
	if ev.ToolDurationMs >= 0 && ev.EventType != EventToolStart {
		duration = ev.ToolDurationMs
	}
	res, err := e.db.sql.Exec(`
		INSERT INTO events (run_id, agent_name, session_id, event_type, tool_name,
			tool_args, tool_duration_ms, level, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(ev.RunID), ev.AgentName, nullIfEmpty(ev.SessionID), ev.EventType,
		nullIfEmpty(ev.ToolName), nullIfEmpty(ev.ToolArgs), duration, ev.Level,
		nullIfEmpty(ev.Data), now())
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return id, nil
}

// CorrelateToolEnd closes the most recent uncorrelated tool_start for
// the (agent, tool) pair, setting its duration to now minus its own
// timestamp. Nested invocations of the same tool therefore resolve
// LIFO. Returns found=false when every tool_start is already closed,
// in which case the caller records the end without updating anything.
func (e *EventStore) CorrelateToolEnd(agent, tool string) (id int64, durationMs int64, found bool, err error) {
	row := e.db.sql.QueryRow(`
		SELECT id, created_at FROM events
		WHERE agent_name = ? AND tool_name = ? AND event_type = ? AND tool_duration_ms IS NULL
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		agent, tool, EventToolStart)
	var createdAt string
	if scanErr := row.Scan(&id, &createdAt); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("correlating tool_end: %w", scanErr)
	}
	started := parseTime(createdAt)
	durationMs = time.Since(started).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	_, err = e.db.sql.Exec(`UPDATE events SET tool_duration_ms = ? WHERE id = ? AND tool_duration_ms IS NULL`,
		durationMs, id)
	if err != nil {
		return 0, 0, false, fmt.Errorf("correlating tool_end: %w", err)
	}
	return id, durationMs, true, nil
}

// EventFilter narrows event queries. Zero values mean no constraint.
type EventFilter struct {
	Agent      string
	RunID      string
	Type       string
	Level      string
	Since      time.Time
	Until      time.Time
	Limit      int
	Descending bool
}

// List returns events matching the filter, ordered by created_at.
func (e *EventStore) List(f EventFilter) ([]Event, error) {
	q := `SELECT id, run_id, agent_name, session_id, event_type, tool_name,
		tool_args, tool_duration_ms, level, data, created_at FROM events WHERE 1=1`
	var args []any
	if f.Agent != "" {
		q += ` AND agent_name = ?`
		args = append(args, f.Agent)
	}
	if f.RunID != "" {
		q += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		q += ` AND event_type = ?`
		args = append(args, f.Type)
	}
	if f.Level != "" {
		q += ` AND level = ?`
		args = append(args, f.Level)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, formatTime(f.Until))
	}
	if f.Descending {
		q += ` ORDER BY created_at DESC, id DESC`
	} else {
		q += ` ORDER BY created_at, id`
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := e.db.sql.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev                        Event
			runID, sessionID, tool    sql.NullString
			toolArgs, data, createdAt sql.NullString
			duration                  sql.NullInt64
		)
		err := rows.Scan(&ev.ID, &runID, &ev.AgentName, &sessionID, &ev.EventType,
			&tool, &toolArgs, &duration, &ev.Level, &data, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.RunID = stringOrEmpty(runID)
		ev.SessionID = stringOrEmpty(sessionID)
		ev.ToolName = stringOrEmpty(tool)
		ev.ToolArgs = stringOrEmpty(toolArgs)
		ev.Data = stringOrEmpty(data)
		ev.CreatedAt = parseTime(stringOrEmpty(createdAt))
		if duration.Valid {
			ev.ToolDurationMs = duration.Int64
		} else {
			ev.ToolDurationMs = -1
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Errors returns level=error events, newest first.
func (e *EventStore) Errors(limit int) ([]Event, error) {
	return e.List(EventFilter{Level: "error", Limit: limit, Descending: true})
}

// Purge deletes events older than the cutoff. Operator cleanup only.
func (e *EventStore) Purge(olderThan time.Time) (int64, error) {
	res, err := e.db.sql.Exec(`DELETE FROM events WHERE created_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
