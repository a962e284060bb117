package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/telemetry"
)

// Built-in group addresses resolve against live sessions by
// capability. Custom groups created with group create are consulted
// only when no built-in matches.
var builtinGroups = map[string]string{
	"@builders":  "builder",
	"@scouts":    "scout",
	"@reviewers": "reviewer",
	"@leads":     "lead",
	"@mergers":   "merger",
}

// Broker routes mail between agents.
type Broker struct {
	Mail     *store.MailStore
	Sessions *store.SessionStore
	Events   *store.EventStore
	Runs     *runstate.Store
	Paths    config.Paths

	// Warnings receives non-blocking advisories (io.Discard when nil).
	Warnings io.Writer
}

// SendRequest is one send invocation before fanout.
type SendRequest struct {
	From     string
	To       string // concrete agent or @group
	Subject  string
	Body     string
	Type     string // defaults to status
	Priority string // defaults to normal
	Payload  string // optional JSON text
}

// Send validates, fans out group addresses, inserts one row per
// recipient, writes auto-nudge markers, and records a mail_sent
// event. Returns the inserted rows.
func (b *Broker) Send(req SendRequest) ([]store.Message, error) {
	if req.From == "" {
		return nil, errdefs.Mailf("mail requires a sender")
	}
	if req.To == "" {
		return nil, errdefs.Mailf("mail requires a recipient")
	}
	if req.Type == "" {
		req.Type = TypeStatus
	}
	if !ValidType(req.Type) {
		return nil, errdefs.Mailf("unknown mail type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !ValidPriority(req.Priority) {
		return nil, errdefs.Mailf("unknown priority %q", req.Priority)
	}
	if req.Payload != "" && !json.Valid([]byte(req.Payload)) {
		return nil, errdefs.Mailf("payload is not valid JSON")
	}

	recipients, err := b.resolveRecipients(req.To, req.From)
	if err != nil {
		return nil, err
	}

	if req.Type == TypeMergeReady {
		b.warnMergeReadyCoverage(req.From)
	}

	reason, nudge := nudgeReason(req.Type, req.Priority)

	sent := make([]store.Message, 0, len(recipients))
	for _, to := range recipients {
		msg, err := b.Mail.Insert(store.Message{
			From:     req.From,
			To:       to,
			Subject:  req.Subject,
			Body:     req.Body,
			Type:     req.Type,
			Priority: req.Priority,
			Payload:  req.Payload,
		})
		if err != nil {
			return sent, errdefs.Wrap(errdefs.KindMail, err, "inserting message")
		}
		sent = append(sent, msg)

		if nudge {
			err := WriteNudge(b.Paths, to, Nudge{
				From:      req.From,
				Reason:    reason,
				Subject:   req.Subject,
				MessageID: msg.ID,
			})
			if err != nil {
				fmt.Fprintf(b.warnings(), "Warning: could not write nudge marker for %s: %v\n", to, err)
			}
		}
	}

	b.recordMailSent(req, sent)
	telemetry.RecordMail(context.Background(), req.Type, nil)
	return sent, nil
}

// resolveRecipients expands a group address to concrete agent names,
// excluding the sender. Direct addresses pass through.
func (b *Broker) resolveRecipients(to, sender string) ([]string, error) {
	if !strings.HasPrefix(to, "@") {
		return []string{to}, nil
	}

	names, err := b.groupMembers(to)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != sender {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, errdefs.Mailf("group %s resolves to no recipients", to)
	}
	return out, nil
}

func (b *Broker) groupMembers(to string) ([]string, error) {
	if to == "@all" {
		sessions, err := b.Sessions.GetActive()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindMail, err, "resolving @all")
		}
		names := make([]string, len(sessions))
		for i, s := range sessions {
			names[i] = s.AgentName
		}
		return names, nil
	}

	if capability, ok := builtinGroups[to]; ok {
		sessions, err := b.Sessions.GetActive()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindMail, err, "resolving "+to)
		}
		var names []string
		for _, s := range sessions {
			if s.Capability == capability {
				names = append(names, s.AgentName)
			}
		}
		return names, nil
	}

	group := strings.TrimPrefix(to, "@")
	exists, err := b.Mail.GroupExists(group)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMail, err, "resolving group")
	}
	if !exists {
		return nil, errdefs.Mailf("unknown group address %q", to)
	}
	names, err := b.Mail.GroupMembers(group)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMail, err, "listing group members")
	}
	return names, nil
}

// warnMergeReadyCoverage advises when a sender queues work for merge
// with builder children but no reviewer children. Never blocks.
func (b *Broker) warnMergeReadyCoverage(sender string) {
	sessions, err := b.Sessions.GetAll()
	if err != nil {
		return
	}
	var builders, reviewers int
	for _, s := range sessions {
		if s.ParentAgent != sender {
			continue
		}
		switch s.Capability {
		case "builder":
			builders++
		case "reviewer":
			reviewers++
		}
	}
	if builders > 0 && reviewers == 0 {
		fmt.Fprintf(b.warnings(),
			"Warning: %s sent merge_ready with %d builder(s) and no reviewer; consider slinging a reviewer first\n",
			sender, builders)
	}
}

func (b *Broker) recordMailSent(req SendRequest, sent []store.Message) {
	if b.Events == nil || len(sent) == 0 {
		return
	}
	runID := ""
	if b.Runs != nil {
		runID, _ = b.Runs.CurrentRun()
	}
	ids := make([]string, len(sent))
	recipients := make([]string, len(sent))
	for i, m := range sent {
		ids[i] = m.ID
		recipients[i] = m.To
	}
	data, _ := json.Marshal(map[string]any{
		"to":         req.To,
		"recipients": recipients,
		"ids":        ids,
		"type":       req.Type,
		"priority":   req.Priority,
		"subject":    req.Subject,
	})
	_, _ = b.Events.Insert(store.Event{
		RunID:     runID,
		AgentName: req.From,
		EventType: store.EventMailSent,
		Data:      string(data),
	})
}

// Reply sends a response to an existing message. The subject keeps a
// single Re: prefix and the direction flips relative to the original.
// The reply inherits the original's priority so a waiting sender gets
// the same nudge treatment, but it is always a semantic status
// message, never a protocol re-trigger.
func (b *Broker) Reply(originalID, body, from string) (store.Message, error) {
	orig, ok, err := b.Mail.Get(originalID)
	if err != nil {
		return store.Message{}, errdefs.Wrap(errdefs.KindMail, err, "loading original")
	}
	if !ok {
		return store.Message{}, errdefs.Mailf("no message with id %s", originalID)
	}

	to := orig.From
	if from == orig.From {
		to = orig.To
	}
	subject := orig.Subject
	if !strings.HasPrefix(subject, "Re: ") {
		subject = "Re: " + subject
	}

	sent, err := b.Send(SendRequest{
		From:     from,
		To:       to,
		Subject:  subject,
		Body:     body,
		Type:     TypeStatus,
		Priority: orig.Priority,
	})
	if err != nil {
		return store.Message{}, err
	}
	return sent[0], nil
}

// MarkRead marks a message read. alreadyRead reports a repeat call.
func (b *Broker) MarkRead(id string) (alreadyRead bool, err error) {
	return b.Mail.MarkRead(id)
}

// List returns messages matching the filter.
func (b *Broker) List(f store.MailFilter) ([]store.Message, error) {
	return b.Mail.List(f)
}

// Purge deletes messages per the options.
func (b *Broker) Purge(opts store.PurgeOpts) (int64, error) {
	return b.Mail.Purge(opts)
}

func (b *Broker) warnings() io.Writer {
	if b.Warnings == nil {
		return io.Discard
	}
	return b.Warnings
}
