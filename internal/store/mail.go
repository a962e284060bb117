package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one durable mail row. Group sends fan out at send time,
// so every row names exactly one concrete recipient.
type Message struct {
	ID        string
	From      string
	To        string
	Subject   string
	Body      string
	Type      string
	Priority  string
	Payload   string // optional JSON text
	Read      bool
	CreatedAt time.Time
}

// MailStore persists mail.db: messages plus custom broadcast groups.
type MailStore struct {
	db *DB
}

const mailSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent   TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL DEFAULT 'status',
	priority   TEXT NOT NULL DEFAULT 'normal',
	payload    TEXT,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_to_read ON messages(to_agent, read);
CREATE INDEX IF NOT EXISTS idx_messages_from    ON messages(from_agent, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_time    ON messages(created_at);
CREATE TABLE IF NOT EXISTS groups (
	group_name TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	added_at   TEXT NOT NULL,
	PRIMARY KEY (group_name, agent_name)
);
`

// OpenMailStore opens mail.db, creating the schema on first use.
func OpenMailStore(path string) (*MailStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.sql.Exec(mailSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating mail schema: %w", err)
	}
	return &MailStore{db: db}, nil
}

func (m *MailStore) Close() error { return m.db.Close() }

// Insert stores one message row. Missing ids and timestamps are
// assigned here.
func (m *MailStore) Insert(msg Message) (Message, error) {
	if msg.To == "" {
		return Message{}, fmt.Errorf("message has no recipient")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ts := formatTime(msg.CreatedAt)
	if ts == "" {
		ts = now()
		msg.CreatedAt = parseTime(ts)
	}
	read := 0
	if msg.Read {
		read = 1
	}
	_, err := m.db.sql.Exec(`
		INSERT INTO messages (id, from_agent, to_agent, subject, body, type, priority, payload, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, msg.Subject, msg.Body, msg.Type, msg.Priority,
		nullIfEmpty(msg.Payload), read, ts)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, from_agent, to_agent, subject, body, type, priority, payload, read, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		msg       Message
		payload   sql.NullString
		read      int
		createdAt string
	)
	err := row.Scan(&msg.ID, &msg.From, &msg.To, &msg.Subject, &msg.Body,
		&msg.Type, &msg.Priority, &payload, &read, &createdAt)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = stringOrEmpty(payload)
	msg.Read = read != 0
	msg.CreatedAt = parseTime(createdAt)
	return msg, nil
}

// Get loads one message by id.
func (m *MailStore) Get(id string) (Message, bool, error) {
	row := m.db.sql.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("loading message %s: %w", id, err)
	}
	return msg, true, nil
}

// MailFilter narrows List. Zero values mean no constraint.
type MailFilter struct {
	From       string
	To         string
	Unread     bool
	Limit      int
	Descending bool
}

// List returns messages matching the filter, FIFO by created_at.
// Descending flips the order so Limit returns the newest rows.
func (m *MailStore) List(f MailFilter) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any
	if f.From != "" {
		q += ` AND from_agent = ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		q += ` AND to_agent = ?`
		args = append(args, f.To)
	}
	if f.Unread {
		q += ` AND read = 0`
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
	rows, err := m.db.sql.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkRead flips a message to read. Idempotent: a second call reports
// alreadyRead without touching the row.
func (m *MailStore) MarkRead(id string) (alreadyRead bool, err error) {
	res, err := m.db.sql.Exec(`UPDATE messages SET read = 1 WHERE id = ? AND read = 0`, id)
	if err != nil {
		return false, fmt.Errorf("marking message %s read: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return false, nil
	}
	_, found, err := m.Get(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("no message with id %s", id)
	}
	return true, nil
}

// PurgeOpts selects which messages Purge deletes.
type PurgeOpts struct {
	All       bool
	OlderThan time.Duration
	Agent     string // matches either direction
}

// Purge deletes messages and returns how many went.
func (m *MailStore) Purge(opts PurgeOpts) (int64, error) {
	q := `DELETE FROM messages WHERE 1=1`
	var args []any
	switch {
	case opts.All:
	case opts.OlderThan > 0:
		cutoff := time.Now().Add(-opts.OlderThan)
		q += ` AND created_at < ?`
		args = append(args, formatTime(cutoff))
	case opts.Agent != "":
		q += ` AND (to_agent = ? OR from_agent = ?)`
		args = append(args, opts.Agent, opts.Agent)
	default:
		return 0, fmt.Errorf("purge requires --all, --older-than or --agent")
	}
	res, err := m.db.sql.Exec(q, args...)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateGroup registers a custom broadcast group. Creating an existing
// group is an error; adding members to one is not.
func (m *MailStore) CreateGroup(name string, members []string) error {
	exists, err := m.GroupExists(name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("group %s already exists", name)
	}
	if len(members) == 0 {
		// An empty group is a named placeholder; record it with a
		// sentinel row so it shows up in listings.
		_, err := m.db.sql.Exec(`INSERT INTO groups (group_name, agent_name, added_at) VALUES (?, '', ?)`, name, now())
		if err != nil {
			return fmt.Errorf("creating group %s: %w", name, err)
		}
		return nil
	}
	for _, agent := range members {
		if err := m.AddToGroup(name, agent); err != nil {
			return err
		}
	}
	return nil
}

// GroupExists reports whether a custom group is registered.
func (m *MailStore) GroupExists(name string) (bool, error) {
	var n int
	err := m.db.sql.QueryRow(`SELECT COUNT(*) FROM groups WHERE group_name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking group %s: %w", name, err)
	}
	return n > 0, nil
}

// AddToGroup adds an agent to a group, creating the group implicitly.
func (m *MailStore) AddToGroup(name, agent string) error {
	if agent == "" {
		return fmt.Errorf("agent name required")
	}
	_, err := m.db.sql.Exec(`
		INSERT INTO groups (group_name, agent_name, added_at) VALUES (?, ?, ?)
		ON CONFLICT(group_name, agent_name) DO NOTHING`, name, agent, now())
	if err != nil {
		return fmt.Errorf("adding %s to group %s: %w", agent, name, err)
	}
	// Drop the placeholder row once the group has real members.
	_, _ = m.db.sql.Exec(`DELETE FROM groups WHERE group_name = ? AND agent_name = ''`, name)
	return nil
}

// RemoveFromGroup drops an agent from a group.
func (m *MailStore) RemoveFromGroup(name, agent string) error {
	res, err := m.db.sql.Exec(`DELETE FROM groups WHERE group_name = ? AND agent_name = ?`, name, agent)
	if err != nil {
		return fmt.Errorf("removing %s from group %s: %w", agent, name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s is not in group %s", agent, name)
	}
	return nil
}

// GroupMembers returns the agents in a custom group.
func (m *MailStore) GroupMembers(name string) ([]string, error) {
	rows, err := m.db.sql.Query(`SELECT agent_name FROM groups WHERE group_name = ? AND agent_name != '' ORDER BY agent_name`, name)
	if err != nil {
		return nil, fmt.Errorf("listing group %s: %w", name, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// ListGroups returns all custom group names.
func (m *MailStore) ListGroups() ([]string, error) {
	rows, err := m.db.sql.Query(`SELECT DISTINCT group_name FROM groups ORDER BY group_name`)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
