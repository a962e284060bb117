// Package dashboard renders the live fleet view: a session table, the
// newest mail, and the merge queue, refreshed on a fixed tick. The
// snapshot types double as the wire shape for the web dashboard's SSE
// stream, so they carry JSON tags while the stores do not.
package dashboard

import (
	"time"

	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
)

const (
	mailLimit  = 10
	queueLimit = 10
)

// Sources holds the stores a snapshot reads from. Mail, Queue and
// Runs may be nil; their panels just stay empty.
type Sources struct {
	Project  string
	Sessions *store.SessionStore
	Mail     *store.MailStore
	Queue    *store.MergeQueue
	Runs     *runstate.Store
}

// Snapshot is one point-in-time view of the fleet.
type Snapshot struct {
	TakenAt    time.Time    `json:"taken_at"`
	Project    string       `json:"project"`
	CurrentRun string       `json:"current_run,omitempty"`
	Sessions   []SessionRow `json:"sessions"`
	Mail       []MailRow    `json:"mail"`
	Queue      []QueueRow   `json:"queue"`
}

// SessionRow is one active agent in display form.
type SessionRow struct {
	Agent        string    `json:"agent"`
	Capability   string    `json:"capability"`
	State        string    `json:"state"`
	BeadID       string    `json:"bead_id,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	Parent       string    `json:"parent,omitempty"`
	Escalation   int       `json:"escalation,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// MailRow is one recent message, newest first.
type MailRow struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Type      string    `json:"type,omitempty"`
	Unread    bool      `json:"unread"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueRow is one merge-queue entry that still needs attention.
type QueueRow struct {
	Branch    string    `json:"branch"`
	Agent     string    `json:"agent,omitempty"`
	Status    string    `json:"status"`
	Tier      string    `json:"tier,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Collect reads one snapshot. The first store error surfaces; the
// caller decides whether to keep showing the previous view.
func (s Sources) Collect() (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now(), Project: s.Project}

	if s.Runs != nil {
		run, err := s.Runs.CurrentRun()
		if err != nil {
			return snap, err
		}
		snap.CurrentRun = run
	}

	active, err := s.Sessions.GetActive()
	if err != nil {
		return snap, err
	}
	for _, sess := range active {
		snap.Sessions = append(snap.Sessions, SessionRow{
			Agent:        sess.AgentName,
			Capability:   sess.Capability,
			State:        string(sess.State),
			BeadID:       sess.BeadID,
			Branch:       sess.BranchName,
			Parent:       sess.ParentAgent,
			Escalation:   sess.EscalationLevel,
			StartedAt:    sess.StartedAt,
			LastActivity: sess.LastActivity,
		})
	}

	if s.Mail != nil {
		msgs, err := s.Mail.List(store.MailFilter{Limit: mailLimit, Descending: true})
		if err != nil {
			return snap, err
		}
		for _, msg := range msgs {
			snap.Mail = append(snap.Mail, MailRow{
				From:      msg.From,
				To:        msg.To,
				Subject:   msg.Subject,
				Type:      msg.Type,
				Unread:    !msg.Read,
				CreatedAt: msg.CreatedAt,
			})
		}
	}

	if s.Queue != nil {
		entries, err := s.Queue.List("")
		if err != nil {
			return snap, err
		}
		for _, entry := range entries {
			// Merged branches are done; the queue panel tracks work.
			if entry.Status == store.MergeMerged {
				continue
			}
			snap.Queue = append(snap.Queue, QueueRow{
				Branch:    entry.BranchName,
				Agent:     entry.AgentName,
				Status:    entry.Status,
				Tier:      entry.ResolvedTier,
				Error:     entry.ErrorMessage,
				UpdatedAt: entry.UpdatedAt,
			})
			if len(snap.Queue) == queueLimit {
				break
			}
		}
	}

	return snap, nil
}
