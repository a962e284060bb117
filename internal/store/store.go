// Package store holds the five durable stores behind overstory:
// sessions, events, mail, metrics, and the merge queue. Each wraps one
// SQLite file in WAL mode so concurrent CLI invocations, hook scripts,
// and the watchdog can read while a single writer proceeds.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat is ISO-8601 with millisecond precision. Stored as TEXT,
// which keeps lexical order equal to chronological order.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// DB wraps one SQLite database file.
type DB struct {
	sql  *sql.DB
	path string
}

// openDB opens (creating if needed) an overstory store file. WAL allows
// one writer alongside readers; the busy timeout makes concurrent
// processes wait out short write bursts instead of failing.
func openDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	return &DB{sql: db, path: path}, nil
}

// Close checkpoints the WAL and releases the handle. The passive
// checkpoint trims the -wal file without blocking other processes.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	_, _ = d.sql.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return d.sql.Close()
}

// Path returns the underlying database file path.
func (d *DB) Path() string { return d.path }

// now returns the server-assigned timestamp for inserts.
func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// formatTime renders t for storage, empty string for the zero value.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

// parseTime reads a stored timestamp, zero value for empty or invalid.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Tolerate second-precision rows written by older versions.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// nullIfEmpty maps "" to SQL NULL so optional text columns stay
// queryable with IS NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// stringOrEmpty unwraps a nullable text column.
func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
