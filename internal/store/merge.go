package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Merge entry states.
const (
	MergePending  = "pending"
	MergeMerging  = "merging"
	MergeMerged   = "merged"
	MergeConflict = "conflict"
	MergeFailed   = "failed"
)

// Resolver tiers, in the order they are attempted.
const (
	TierCleanMerge  = "clean-merge"
	TierContentWins = "content-wins"
	TierAIAssist    = "ai-assist"
	TierReimagine   = "reimagine"
)

// mergeStatusRank orders states so transitions stay monotonic. A
// merged branch never goes back to pending.
var mergeStatusRank = map[string]int{
	MergePending:  0,
	MergeMerging:  1,
	MergeMerged:   2,
	MergeConflict: 2,
	MergeFailed:   2,
}

// MergeEntry is one branch awaiting integration.
type MergeEntry struct {
	ID            int64
	BranchName    string
	BeadID        string
	AgentName     string
	FilesModified []string
	Status        string
	ResolvedTier  string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MergeQueue persists merge-queue.db. FIFO by created_at.
type MergeQueue struct {
	db *DB
}

const mergeSchema = `
CREATE TABLE IF NOT EXISTS merge_queue (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	branch_name    TEXT NOT NULL UNIQUE,
	bead_id        TEXT NOT NULL DEFAULT '',
	agent_name     TEXT NOT NULL DEFAULT '',
	files_modified TEXT NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL DEFAULT 'pending',
	resolved_tier  TEXT,
	error_message  TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merge_status_time ON merge_queue(status, created_at);
CREATE TABLE IF NOT EXISTS conflict_history (
	file_path   TEXT NOT NULL,
	tier        TEXT NOT NULL,
	succeeded   INTEGER NOT NULL,
	branch_name TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_file ON conflict_history(file_path);
`

// OpenMergeQueue opens merge-queue.db, creating the schema on first use.
func OpenMergeQueue(path string) (*MergeQueue, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.sql.Exec(mergeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating merge schema: %w", err)
	}
	return &MergeQueue{db: db}, nil
}

func (q *MergeQueue) Close() error { return q.db.Close() }

// Enqueue records a pending branch. Re-enqueueing an existing branch
// returns the existing entry unchanged so retries stay idempotent.
func (q *MergeQueue) Enqueue(entry MergeEntry) (MergeEntry, error) {
	if entry.BranchName == "" {
		return MergeEntry{}, fmt.Errorf("merge entry has no branch")
	}
	if existing, found, err := q.GetByBranch(entry.BranchName); err != nil {
		return MergeEntry{}, err
	} else if found {
		return existing, nil
	}
	files, err := json.Marshal(entry.FilesModified)
	if err != nil {
		return MergeEntry{}, fmt.Errorf("encoding files list: %w", err)
	}
	ts := now()
	res, err := q.db.sql.Exec(`
		INSERT INTO merge_queue (branch_name, bead_id, agent_name, files_modified, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.BranchName, entry.BeadID, entry.AgentName, string(files), MergePending, ts, ts)
	if err != nil {
		return MergeEntry{}, fmt.Errorf("enqueueing %s: %w", entry.BranchName, err)
	}
	entry.ID, _ = res.LastInsertId()
	entry.Status = MergePending
	entry.CreatedAt = parseTime(ts)
	entry.UpdatedAt = entry.CreatedAt
	return entry, nil
}

// UpdateStatus transitions a branch, recording the final tier and any
// error text. Transitions that would move backwards are rejected.
func (q *MergeQueue) UpdateStatus(branch, status, tier, errMsg string) error {
	cur, found, err := q.GetByBranch(branch)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no merge entry for branch %s", branch)
	}
	newRank, ok := mergeStatusRank[status]
	if !ok {
		return fmt.Errorf("unknown merge status %q", status)
	}
	if newRank < mergeStatusRank[cur.Status] {
		return fmt.Errorf("merge entry %s cannot move %s -> %s", branch, cur.Status, status)
	}
	_, err = q.db.sql.Exec(`
		UPDATE merge_queue SET status = ?, resolved_tier = ?, error_message = ?, updated_at = ?
		WHERE branch_name = ?`,
		status, nullIfEmpty(tier), nullIfEmpty(errMsg), now(), branch)
	if err != nil {
		return fmt.Errorf("updating merge entry %s: %w", branch, err)
	}
	return nil
}

const mergeColumns = `id, branch_name, bead_id, agent_name, files_modified, status,
	resolved_tier, error_message, created_at, updated_at`

func scanMergeEntry(row interface{ Scan(...any) error }) (MergeEntry, error) {
	var (
		e                    MergeEntry
		files                string
		tier, errMsg         sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.BranchName, &e.BeadID, &e.AgentName, &files,
		&e.Status, &tier, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return MergeEntry{}, err
	}
	_ = json.Unmarshal([]byte(files), &e.FilesModified)
	e.ResolvedTier = stringOrEmpty(tier)
	e.ErrorMessage = stringOrEmpty(errMsg)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// GetByBranch loads one entry.
func (q *MergeQueue) GetByBranch(branch string) (MergeEntry, bool, error) {
	row := q.db.sql.QueryRow(`SELECT `+mergeColumns+` FROM merge_queue WHERE branch_name = ?`, branch)
	e, err := scanMergeEntry(row)
	if err == sql.ErrNoRows {
		return MergeEntry{}, false, nil
	}
	if err != nil {
		return MergeEntry{}, false, fmt.Errorf("loading merge entry %s: %w", branch, err)
	}
	return e, true, nil
}

// List returns entries, optionally filtered by status, FIFO.
func (q *MergeQueue) List(status string) ([]MergeEntry, error) {
	query := `SELECT ` + mergeColumns + ` FROM merge_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying merge queue: %w", err)
	}
	defer rows.Close()
	var out []MergeEntry
	for rows.Next() {
		e, err := scanMergeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning merge entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NextPending returns the oldest pending entry, FIFO.
func (q *MergeQueue) NextPending() (MergeEntry, bool, error) {
	row := q.db.sql.QueryRow(`SELECT ` + mergeColumns + ` FROM merge_queue
		WHERE status = 'pending' ORDER BY created_at, id LIMIT 1`)
	e, err := scanMergeEntry(row)
	if err == sql.ErrNoRows {
		return MergeEntry{}, false, nil
	}
	if err != nil {
		return MergeEntry{}, false, fmt.Errorf("loading next merge entry: %w", err)
	}
	return e, true, nil
}

// RecordConflictOutcome remembers how a tier fared on a file so later
// merges can skip strategies with a losing record.
func (q *MergeQueue) RecordConflictOutcome(file, tier, branch string, succeeded bool) error {
	ok := 0
	if succeeded {
		ok = 1
	}
	_, err := q.db.sql.Exec(`
		INSERT INTO conflict_history (file_path, tier, succeeded, branch_name, recorded_at)
		VALUES (?, ?, ?, ?, ?)`, file, tier, ok, branch, now())
	if err != nil {
		return fmt.Errorf("recording conflict outcome: %w", err)
	}
	return nil
}

// TierOutcome aggregates history for one file and tier.
type TierOutcome struct {
	Tier      string
	Successes int
	Failures  int
}

// ConflictHistory returns per-tier outcomes for a file.
func (q *MergeQueue) ConflictHistory(file string) ([]TierOutcome, error) {
	rows, err := q.db.sql.Query(`
		SELECT tier,
			SUM(CASE WHEN succeeded = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN succeeded = 0 THEN 1 ELSE 0 END)
		FROM conflict_history WHERE file_path = ? GROUP BY tier`, file)
	if err != nil {
		return nil, fmt.Errorf("loading conflict history: %w", err)
	}
	defer rows.Close()
	var out []TierOutcome
	for rows.Next() {
		var o TierOutcome
		if err := rows.Scan(&o.Tier, &o.Successes, &o.Failures); err != nil {
			return nil, fmt.Errorf("scanning conflict history: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
