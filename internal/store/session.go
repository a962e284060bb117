package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks an agent through its lifecycle.
type SessionState string

const (
	StateBooting   SessionState = "booting"
	StateWorking   SessionState = "working"
	StateStalled   SessionState = "stalled"
	StateCompleted SessionState = "completed"
	StateZombie    SessionState = "zombie"
)

// IsTerminal reports whether the state is absorbing. Completed and
// zombie sessions never transition again; revival happens by spawning
// a fresh session under the same identity.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateZombie
}

// IsActive reports whether the session counts against maxConcurrent.
func (s SessionState) IsActive() bool {
	return s == StateBooting || s == StateWorking || s == StateStalled
}

// Session is one live or historical agent.
type Session struct {
	ID              string
	AgentName       string
	Capability      string
	WorktreePath    string
	BranchName      string
	BeadID          string
	TmuxSession     string
	State           SessionState
	PID             int
	ParentAgent     string
	Depth           int
	RunID           string
	StartedAt       time.Time
	LastActivity    time.Time
	EscalationLevel int
	StalledSince    time.Time
}

// SessionStore persists sessions and runs in sessions.db.
type SessionStore struct {
	db *DB
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT NOT NULL,
	agent_name       TEXT PRIMARY KEY,
	capability       TEXT NOT NULL,
	worktree_path    TEXT NOT NULL DEFAULT '',
	branch_name      TEXT NOT NULL DEFAULT '',
	bead_id          TEXT NOT NULL DEFAULT '',
	tmux_session     TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	pid              INTEGER,
	parent_agent     TEXT,
	depth            INTEGER NOT NULL DEFAULT 0,
	run_id           TEXT,
	started_at       TEXT NOT NULL,
	last_activity    TEXT NOT NULL,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	stalled_since    TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id);
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	objective    TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
`

// OpenSessionStore opens sessions.db, creating the schema on first
// use. When the database is new and a legacy JSON sessions file sits
// beside it, its entries are imported so upgrades keep history.
func OpenSessionStore(path, legacyJSON string) (*SessionStore, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.sql.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating session schema: %w", err)
	}
	s := &SessionStore{db: db}
	if fresh && legacyJSON != "" {
		if err := s.importLegacy(legacyJSON); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *SessionStore) Close() error { return s.db.Close() }

// legacySession mirrors the pre-SQL JSON layout. Records written
// before runs existed have no run_id; those fields default to empty.
type legacySession struct {
	ID           string `json:"id"`
	AgentName    string `json:"agentName"`
	Capability   string `json:"capability"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	BeadID       string `json:"beadId"`
	TmuxSession  string `json:"tmuxSession"`
	State        string `json:"state"`
	PID          int    `json:"pid"`
	ParentAgent  string `json:"parentAgent"`
	Depth        int    `json:"depth"`
	RunID        string `json:"runId"`
	StartedAt    string `json:"startedAt"`
	LastActivity string `json:"lastActivity"`
}

func (s *SessionStore) importLegacy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading legacy sessions: %w", err)
	}
	var entries []legacySession
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt legacy file should not block the new store.
		return nil
	}
	for _, e := range entries {
		sess := Session{
			ID:           e.ID,
			AgentName:    e.AgentName,
			Capability:   e.Capability,
			WorktreePath: e.WorktreePath,
			BranchName:   e.BranchName,
			BeadID:       e.BeadID,
			TmuxSession:  e.TmuxSession,
			State:        SessionState(e.State),
			PID:          e.PID,
			ParentAgent:  e.ParentAgent,
			Depth:        e.Depth,
			RunID:        e.RunID,
			StartedAt:    parseTime(e.StartedAt),
			LastActivity: parseTime(e.LastActivity),
		}
		if sess.AgentName == "" {
			continue
		}
		if sess.State == "" {
			sess.State = StateZombie
		}
		if err := s.Upsert(sess); err != nil {
			return fmt.Errorf("importing legacy session %s: %w", sess.AgentName, err)
		}
	}
	return nil
}

// Upsert writes a session keyed by agent name. Missing ids and
// timestamps are assigned server-side.
func (s *SessionStore) Upsert(sess Session) error {
	if sess.AgentName == "" {
		return fmt.Errorf("session has no agent name")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	ts := now()
	started := formatTime(sess.StartedAt)
	if started == "" {
		started = ts
	}
	activity := formatTime(sess.LastActivity)
	if activity == "" {
		activity = started
	}
	_, err := s.db.sql.Exec(`
		INSERT INTO sessions (id, agent_name, capability, worktree_path, branch_name,
			bead_id, tmux_session, state, pid, parent_agent, depth, run_id,
			started_at, last_activity, escalation_level, stalled_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET
			id = excluded.id,
			capability = excluded.capability,
			worktree_path = excluded.worktree_path,
			branch_name = excluded.branch_name,
			bead_id = excluded.bead_id,
			tmux_session = excluded.tmux_session,
			state = excluded.state,
			pid = excluded.pid,
			parent_agent = excluded.parent_agent,
			depth = excluded.depth,
			run_id = excluded.run_id,
			started_at = excluded.started_at,
			last_activity = excluded.last_activity,
			escalation_level = excluded.escalation_level,
			stalled_since = excluded.stalled_since`,
		sess.ID, sess.AgentName, sess.Capability, sess.WorktreePath, sess.BranchName,
		sess.BeadID, sess.TmuxSession, string(sess.State), nullablePID(sess.PID),
		nullIfEmpty(sess.ParentAgent), sess.Depth, nullIfEmpty(sess.RunID),
		started, activity, sess.EscalationLevel, nullIfEmpty(formatTime(sess.StalledSince)))
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", sess.AgentName, err)
	}
	return nil
}

func nullablePID(pid int) any {
	if pid <= 0 {
		return nil
	}
	return pid
}

const sessionColumns = `id, agent_name, capability, worktree_path, branch_name,
	bead_id, tmux_session, state, pid, parent_agent, depth, run_id,
	started_at, last_activity, escalation_level, stalled_since`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		sess                   Session
		state                  string
		pid                    sql.NullInt64
		parent, runID, started sql.NullString
		activity, stalled      sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.AgentName, &sess.Capability, &sess.WorktreePath,
		&sess.BranchName, &sess.BeadID, &sess.TmuxSession, &state, &pid, &parent,
		&sess.Depth, &runID, &started, &activity, &sess.EscalationLevel, &stalled)
	if err != nil {
		return Session{}, err
	}
	sess.State = SessionState(state)
	sess.PID = int(pid.Int64)
	sess.ParentAgent = stringOrEmpty(parent)
	sess.RunID = stringOrEmpty(runID)
	sess.StartedAt = parseTime(stringOrEmpty(started))
	sess.LastActivity = parseTime(stringOrEmpty(activity))
	sess.StalledSince = parseTime(stringOrEmpty(stalled))
	return sess, nil
}

// GetByName returns the session for an agent, or ok=false.
func (s *SessionStore) GetByName(agent string) (Session, bool, error) {
	row := s.db.sql.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE agent_name = ?`, agent)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("loading session %s: %w", agent, err)
	}
	return sess, true, nil
}

// GetAll returns every session ordered by start time.
func (s *SessionStore) GetAll() ([]Session, error) {
	return s.query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at`)
}

// GetActive returns sessions in booting, working or stalled.
func (s *SessionStore) GetActive() ([]Session, error) {
	return s.query(`SELECT `+sessionColumns+` FROM sessions
		WHERE state IN (?, ?, ?) ORDER BY started_at`,
		string(StateBooting), string(StateWorking), string(StateStalled))
}

// GetByRun returns sessions belonging to a run.
func (s *SessionStore) GetByRun(runID string) ([]Session, error) {
	return s.query(`SELECT `+sessionColumns+` FROM sessions WHERE run_id = ? ORDER BY started_at`, runID)
}

func (s *SessionStore) query(q string, args ...any) ([]Session, error) {
	rows, err := s.db.sql.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountActive returns how many sessions count against maxConcurrent.
func (s *SessionStore) CountActive() (int, error) {
	var n int
	err := s.db.sql.QueryRow(`SELECT COUNT(*) FROM sessions WHERE state IN (?, ?, ?)`,
		string(StateBooting), string(StateWorking), string(StateStalled)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return n, nil
}

// UpdateState moves a session to a new state. Stalled entry records
// stalled_since; leaving stalled clears it.
func (s *SessionStore) UpdateState(agent string, state SessionState) error {
	var stalled any
	if state == StateStalled {
		stalled = now()
	}
	res, err := s.db.sql.Exec(`UPDATE sessions SET state = ?, stalled_since = ? WHERE agent_name = ?`,
		string(state), stalled, agent)
	if err != nil {
		return fmt.Errorf("updating state for %s: %w", agent, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no session named %s", agent)
	}
	return nil
}

// UpdateLastActivity bumps the activity clock. A zombie or booting
// session that emits a hook event has proven it is alive, so it moves
// back to working and sheds any stall bookkeeping.
func (s *SessionStore) UpdateLastActivity(agent string) error {
	_, err := s.db.sql.Exec(`UPDATE sessions SET
			last_activity = ?,
			state = CASE WHEN state IN (?, ?, ?) THEN ? ELSE state END,
			stalled_since = NULL,
			escalation_level = CASE WHEN state IN (?, ?, ?) THEN 0 ELSE escalation_level END
		WHERE agent_name = ?`,
		now(),
		string(StateZombie), string(StateBooting), string(StateStalled), string(StateWorking),
		string(StateZombie), string(StateBooting), string(StateStalled),
		agent)
	if err != nil {
		return fmt.Errorf("updating activity for %s: %w", agent, err)
	}
	return nil
}

// UpdateEscalation records the nudge stage the watchdog reached.
func (s *SessionStore) UpdateEscalation(agent string, level int) error {
	_, err := s.db.sql.Exec(`UPDATE sessions SET escalation_level = ? WHERE agent_name = ?`, level, agent)
	if err != nil {
		return fmt.Errorf("updating escalation for %s: %w", agent, err)
	}
	return nil
}

// UpdatePID records the pane's root process once tmux reports it.
func (s *SessionStore) UpdatePID(agent string, pid int) error {
	_, err := s.db.sql.Exec(`UPDATE sessions SET pid = ? WHERE agent_name = ?`, nullablePID(pid), agent)
	if err != nil {
		return fmt.Errorf("updating pid for %s: %w", agent, err)
	}
	return nil
}

// Delete removes a session row. Only operator cleanup calls this.
func (s *SessionStore) Delete(agent string) error {
	_, err := s.db.sql.Exec(`DELETE FROM sessions WHERE agent_name = ?`, agent)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", agent, err)
	}
	return nil
}

// Run groups the sessions spawned for one operator objective.
type Run struct {
	ID          string
	Objective   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// CreateRun inserts a run row, assigning an id when absent.
func (s *SessionStore) CreateRun(run Run) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	started := formatTime(run.StartedAt)
	if started == "" {
		started = now()
		run.StartedAt = parseTime(started)
	}
	_, err := s.db.sql.Exec(`INSERT INTO runs (id, objective, started_at, completed_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Objective, started, nullIfEmpty(formatTime(run.CompletedAt)))
	if err != nil {
		return Run{}, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// GetRun loads one run.
func (s *SessionStore) GetRun(id string) (Run, bool, error) {
	var (
		run       Run
		completed sql.NullString
		started   string
	)
	err := s.db.sql.QueryRow(`SELECT id, objective, started_at, completed_at FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Objective, &started, &completed)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("loading run %s: %w", id, err)
	}
	run.StartedAt = parseTime(started)
	run.CompletedAt = parseTime(stringOrEmpty(completed))
	return run, true, nil
}

// ListRuns returns runs newest first.
func (s *SessionStore) ListRuns() ([]Run, error) {
	rows, err := s.db.sql.Query(`SELECT id, objective, started_at, completed_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			run       Run
			completed sql.NullString
			started   string
		)
		if err := rows.Scan(&run.ID, &run.Objective, &started, &completed); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.StartedAt = parseTime(started)
		run.CompletedAt = parseTime(stringOrEmpty(completed))
		out = append(out, run)
	}
	return out, rows.Err()
}

// CompleteRun stamps a run finished. Idempotent.
func (s *SessionStore) CompleteRun(id string) error {
	_, err := s.db.sql.Exec(`UPDATE runs SET completed_at = ? WHERE id = ? AND completed_at IS NULL`, now(), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	return nil
}
