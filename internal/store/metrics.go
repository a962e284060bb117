package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionMetrics is the per-session total recorded at completion.
type SessionMetrics struct {
	AgentName           string
	BeadID              string
	Capability          string
	StartedAt           time.Time
	CompletedAt         time.Time
	DurationMs          int64
	ExitCode            int
	MergeResult         string
	ParentAgent         string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	EstimatedCostUSD    float64
	ModelUsed           string
	RunID               string
}

// MetricsSnapshot is a live token reading for burn-rate views.
type MetricsSnapshot struct {
	AgentName           string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	EstimatedCostUSD    float64
	RecordedAt          time.Time
}

// MetricsStore persists metrics.db.
type MetricsStore struct {
	db *DB
}

const metricsSchema = `
CREATE TABLE IF NOT EXISTS session_metrics (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name            TEXT NOT NULL,
	bead_id               TEXT NOT NULL DEFAULT '',
	capability            TEXT NOT NULL DEFAULT '',
	started_at            TEXT NOT NULL,
	completed_at          TEXT,
	duration_ms           INTEGER NOT NULL DEFAULT 0,
	exit_code             INTEGER NOT NULL DEFAULT 0,
	merge_result          TEXT,
	parent_agent          TEXT,
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd    REAL,
	model_used            TEXT,
	run_id                TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_agent ON session_metrics(agent_name, started_at);
CREATE INDEX IF NOT EXISTS idx_metrics_run   ON session_metrics(run_id);
CREATE TABLE IF NOT EXISTS snapshots (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name            TEXT NOT NULL,
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd    REAL,
	recorded_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON snapshots(agent_name, recorded_at);
`

// OpenMetricsStore opens metrics.db, creating the schema on first use.
func OpenMetricsStore(path string) (*MetricsStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.sql.Exec(metricsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating metrics schema: %w", err)
	}
	return &MetricsStore{db: db}, nil
}

func (m *MetricsStore) Close() error { return m.db.Close() }

// RecordSession stores completion totals for one agent session.
func (m *MetricsStore) RecordSession(sm SessionMetrics) error {
	if sm.AgentName == "" {
		return fmt.Errorf("metrics row has no agent name")
	}
	started := formatTime(sm.StartedAt)
	if started == "" {
		started = now()
	}
	var cost any
	if sm.EstimatedCostUSD > 0 {
		cost = sm.EstimatedCostUSD
	}
	_, err := m.db.sql.Exec(`
		INSERT INTO session_metrics (agent_name, bead_id, capability, started_at, completed_at,
			duration_ms, exit_code, merge_result, parent_agent, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, estimated_cost_usd, model_used, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.AgentName, sm.BeadID, sm.Capability, started,
		nullIfEmpty(formatTime(sm.CompletedAt)), sm.DurationMs, sm.ExitCode,
		nullIfEmpty(sm.MergeResult), nullIfEmpty(sm.ParentAgent),
		sm.InputTokens, sm.OutputTokens, sm.CacheReadTokens, sm.CacheCreationTokens,
		cost, nullIfEmpty(sm.ModelUsed), nullIfEmpty(sm.RunID))
	if err != nil {
		return fmt.Errorf("recording session metrics: %w", err)
	}
	return nil
}

// RecordSnapshot stores one live token reading.
func (m *MetricsStore) RecordSnapshot(s MetricsSnapshot) error {
	if s.AgentName == "" {
		return fmt.Errorf("snapshot has no agent name")
	}
	var cost any
	if s.EstimatedCostUSD > 0 {
		cost = s.EstimatedCostUSD
	}
	_, err := m.db.sql.Exec(`
		INSERT INTO snapshots (agent_name, input_tokens, output_tokens, cache_read_tokens,
			cache_creation_tokens, estimated_cost_usd, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.AgentName, s.InputTokens, s.OutputTokens, s.CacheReadTokens,
		s.CacheCreationTokens, cost, now())
	if err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	return nil
}

const sessionMetricsColumns = `agent_name, bead_id, capability, started_at, completed_at,
	duration_ms, exit_code, merge_result, parent_agent, input_tokens, output_tokens,
	cache_read_tokens, cache_creation_tokens, estimated_cost_usd, model_used, run_id`

func scanSessionMetrics(row interface{ Scan(...any) error }) (SessionMetrics, error) {
	var (
		sm                                    SessionMetrics
		started                               string
		completed, mergeResult, parent, model sql.NullString
		runID                                 sql.NullString
		cost                                  sql.NullFloat64
	)
	err := row.Scan(&sm.AgentName, &sm.BeadID, &sm.Capability, &started, &completed,
		&sm.DurationMs, &sm.ExitCode, &mergeResult, &parent, &sm.InputTokens,
		&sm.OutputTokens, &sm.CacheReadTokens, &sm.CacheCreationTokens, &cost,
		&model, &runID)
	if err != nil {
		return SessionMetrics{}, err
	}
	sm.StartedAt = parseTime(started)
	sm.CompletedAt = parseTime(stringOrEmpty(completed))
	sm.MergeResult = stringOrEmpty(mergeResult)
	sm.ParentAgent = stringOrEmpty(parent)
	sm.EstimatedCostUSD = cost.Float64
	sm.ModelUsed = stringOrEmpty(model)
	sm.RunID = stringOrEmpty(runID)
	return sm, nil
}

func (m *MetricsStore) querySessions(q string, args ...any) ([]SessionMetrics, error) {
	rows, err := m.db.sql.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()
	var out []SessionMetrics
	for rows.Next() {
		sm, err := scanSessionMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning metrics: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SessionsByAgent returns completion rows for one agent, oldest first.
func (m *MetricsStore) SessionsByAgent(agent string) ([]SessionMetrics, error) {
	return m.querySessions(`SELECT `+sessionMetricsColumns+` FROM session_metrics
		WHERE agent_name = ? ORDER BY started_at`, agent)
}

// SessionsByRun returns completion rows for one run.
func (m *MetricsStore) SessionsByRun(runID string) ([]SessionMetrics, error) {
	return m.querySessions(`SELECT `+sessionMetricsColumns+` FROM session_metrics
		WHERE run_id = ? ORDER BY started_at`, runID)
}

// RecentSessions returns the n most recent completion rows.
func (m *MetricsStore) RecentSessions(n int) ([]SessionMetrics, error) {
	return m.querySessions(`SELECT `+sessionMetricsColumns+` FROM session_metrics
		ORDER BY started_at DESC LIMIT ?`, n)
}

// LatestSnapshots returns the most recent snapshot per agent.
func (m *MetricsStore) LatestSnapshots() ([]MetricsSnapshot, error) {
	rows, err := m.db.sql.Query(`
		SELECT s.agent_name, s.input_tokens, s.output_tokens, s.cache_read_tokens,
			s.cache_creation_tokens, s.estimated_cost_usd, s.recorded_at
		FROM snapshots s
		JOIN (SELECT agent_name, MAX(id) AS max_id FROM snapshots GROUP BY agent_name) latest
			ON s.id = latest.max_id
		ORDER BY s.agent_name`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()
	var out []MetricsSnapshot
	for rows.Next() {
		var (
			s        MetricsSnapshot
			cost     sql.NullFloat64
			recorded string
		)
		err := rows.Scan(&s.AgentName, &s.InputTokens, &s.OutputTokens,
			&s.CacheReadTokens, &s.CacheCreationTokens, &cost, &recorded)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		s.EstimatedCostUSD = cost.Float64
		s.RecordedAt = parseTime(recorded)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AverageDuration returns the mean completed-session duration.
func (m *MetricsStore) AverageDuration() (time.Duration, error) {
	var avg sql.NullFloat64
	err := m.db.sql.QueryRow(`SELECT AVG(duration_ms) FROM session_metrics WHERE completed_at IS NOT NULL`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("averaging durations: %w", err)
	}
	return time.Duration(avg.Float64) * time.Millisecond, nil
}
