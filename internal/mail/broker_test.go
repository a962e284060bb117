package mail

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
)

func testBroker(t *testing.T) (*Broker, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	p := config.NewPaths(root)
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		t.Fatal(err)
	}

	ms, err := store.OpenMailStore(p.MailDB())
	if err != nil {
		t.Fatalf("open mail store: %v", err)
	}
	t.Cleanup(func() { _ = ms.Close() })

	ss, err := store.OpenSessionStore(p.SessionsDB(), p.LegacySessionsJSON())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	es, err := store.OpenEventStore(p.EventsDB())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	warn := &bytes.Buffer{}
	return &Broker{
		Mail:     ms,
		Sessions: ss,
		Events:   es,
		Runs:     runstate.New(p.Dir),
		Paths:    p,
		Warnings: warn,
	}, warn
}

func addSession(t *testing.T, b *Broker, name, capability, parent string) {
	t.Helper()
	err := b.Sessions.Upsert(store.Session{
		AgentName:    name,
		Capability:   capability,
		State:        store.StateWorking,
		ParentAgent:  parent,
		TmuxSession:  "overstory-proj-" + name,
		WorktreePath: "/tmp/wt/" + name,
		BranchName:   "overstory/" + name + "/task",
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", name, err)
	}
}

func TestSendDirect(t *testing.T) {
	b, _ := testBroker(t)

	sent, err := b.Send(SendRequest{From: "lead-1", To: "alice", Subject: "hi", Body: "there"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("sent %d rows, want 1", len(sent))
	}
	if sent[0].Type != TypeStatus || sent[0].Priority != PriorityNormal {
		t.Errorf("defaults not applied: %+v", sent[0])
	}

	// Normal status mail leaves no nudge marker.
	if _, ok, _ := PeekNudge(b.Paths, "alice"); ok {
		t.Error("unexpected nudge marker for normal mail")
	}
}

func TestSendValidation(t *testing.T) {
	b, _ := testBroker(t)

	cases := []SendRequest{
		{To: "alice"},
		{From: "lead-1"},
		{From: "lead-1", To: "alice", Type: "gossip"},
		{From: "lead-1", To: "alice", Priority: "extreme"},
		{From: "lead-1", To: "alice", Payload: "{not json"},
	}
	for i, req := range cases {
		if _, err := b.Send(req); errdefs.KindOf(err) != errdefs.KindMail {
			t.Errorf("case %d: want mail error, got %v", i, err)
		}
	}
}

func TestSendGroupFanoutExcludesSender(t *testing.T) {
	b, _ := testBroker(t)
	addSession(t, b, "b1", "builder", "lead-1")
	addSession(t, b, "b2", "builder", "lead-1")
	addSession(t, b, "b3", "builder", "lead-1")

	// Sender is itself a builder: fanout must skip it.
	sent, err := b.Send(SendRequest{
		From: "b1", To: "@builders", Subject: "S", Body: "B", Priority: PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d rows, want 2", len(sent))
	}
	for _, m := range sent {
		if m.To == "b1" {
			t.Error("sender received its own broadcast")
		}
		// High priority: every recipient gets its own marker.
		if _, ok, _ := PeekNudge(b.Paths, m.To); !ok {
			t.Errorf("no nudge marker for %s", m.To)
		}
	}
}

func TestSendAllGroup(t *testing.T) {
	b, _ := testBroker(t)
	addSession(t, b, "scout-1", "scout", "")
	addSession(t, b, "b1", "builder", "")
	addSession(t, b, "lead-1", "lead", "")

	sent, err := b.Send(SendRequest{From: "lead-1", To: "@all", Subject: "S"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("@all fanned out to %d, want 2", len(sent))
	}
}

func TestSendUnknownGroup(t *testing.T) {
	b, _ := testBroker(t)
	_, err := b.Send(SendRequest{From: "a", To: "@nobody", Subject: "S"})
	if errdefs.KindOf(err) != errdefs.KindMail {
		t.Fatalf("want mail error, got %v", err)
	}
}

func TestSendEmptyGroupAfterExclusion(t *testing.T) {
	b, _ := testBroker(t)
	addSession(t, b, "b1", "builder", "")

	_, err := b.Send(SendRequest{From: "b1", To: "@builders", Subject: "S"})
	if errdefs.KindOf(err) != errdefs.KindMail {
		t.Fatalf("want mail error for empty fanout, got %v", err)
	}
}

func TestSendCustomGroup(t *testing.T) {
	b, _ := testBroker(t)
	if err := b.Mail.CreateGroup("backend", []string{"alice", "bob", "carol"}); err != nil {
		t.Fatal(err)
	}

	sent, err := b.Send(SendRequest{From: "alice", To: "@backend", Subject: "standup"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d rows, want 2 (sender excluded)", len(sent))
	}
}

func TestAutoNudgeReasons(t *testing.T) {
	b, _ := testBroker(t)

	// Protocol type: reason is the type name.
	if _, err := b.Send(SendRequest{From: "b1", To: "lead-1", Type: TypeWorkerDone, Subject: "done"}); err != nil {
		t.Fatal(err)
	}
	n, ok, err := PeekNudge(b.Paths, "lead-1")
	if err != nil || !ok {
		t.Fatalf("no marker: ok=%v err=%v", ok, err)
	}
	if n.Reason != "worker_done" || n.From != "b1" {
		t.Errorf("marker = %+v", n)
	}

	// Priority nudge: reason is "{priority} priority"; latest wins.
	if _, err := b.Send(SendRequest{From: "b2", To: "lead-1", Priority: PriorityUrgent, Subject: "blocked"}); err != nil {
		t.Fatal(err)
	}
	n, ok, _ = PeekNudge(b.Paths, "lead-1")
	if !ok || n.Reason != "urgent priority" || n.From != "b2" {
		t.Errorf("marker not overwritten: %+v", n)
	}
}

func TestMailSentEventCarriesRunID(t *testing.T) {
	b, _ := testBroker(t)
	if err := b.Runs.SetCurrentRun("run-7"); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Send(SendRequest{From: "a", To: "bob", Subject: "S"}); err != nil {
		t.Fatal(err)
	}

	events, err := b.Events.List(store.EventFilter{Type: store.EventMailSent})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d mail_sent events, want 1", len(events))
	}
	if events[0].RunID != "run-7" || events[0].AgentName != "a" {
		t.Errorf("event = %+v", events[0])
	}
	if !strings.Contains(events[0].Data, "bob") {
		t.Errorf("event data missing recipient: %s", events[0].Data)
	}
}

func TestMergeReadyCoverageWarning(t *testing.T) {
	b, warn := testBroker(t)
	addSession(t, b, "lead-1", "lead", "")
	addSession(t, b, "b1", "builder", "lead-1")

	if _, err := b.Send(SendRequest{From: "lead-1", To: "supervisor-1", Type: TypeMergeReady, Subject: "ready"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(warn.String(), "no reviewer") {
		t.Errorf("missing coverage warning, got %q", warn.String())
	}

	// With a reviewer child the advisory goes away.
	warn.Reset()
	addSession(t, b, "r1", "reviewer", "lead-1")
	if _, err := b.Send(SendRequest{From: "lead-1", To: "supervisor-1", Type: TypeMergeReady, Subject: "ready"}); err != nil {
		t.Fatal(err)
	}
	if warn.Len() != 0 {
		t.Errorf("unexpected warning: %q", warn.String())
	}
}

func TestReplySwapsDirection(t *testing.T) {
	b, _ := testBroker(t)

	sent, err := b.Send(SendRequest{From: "lead-1", To: "alice", Subject: "task", Body: "do it", Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}

	reply, err := b.Reply(sent[0].ID, "on it", "alice")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.To != "lead-1" || reply.From != "alice" {
		t.Errorf("direction not swapped: %+v", reply)
	}
	if reply.Subject != "Re: task" {
		t.Errorf("subject = %q", reply.Subject)
	}
	if reply.Priority != PriorityHigh {
		t.Errorf("reply lost priority: %q", reply.Priority)
	}

	// Replying to a reply keeps a single prefix.
	again, err := b.Reply(reply.ID, "thanks", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Subject != "Re: task" || again.To != "alice" {
		t.Errorf("second reply = %+v", again)
	}
}

func TestReplyMissingOriginal(t *testing.T) {
	b, _ := testBroker(t)
	_, err := b.Reply("nope", "body", "alice")
	if errdefs.KindOf(err) != errdefs.KindMail {
		t.Fatalf("want mail error, got %v", err)
	}
}

func TestCheckInjectBannerOncePerMarker(t *testing.T) {
	b, _ := testBroker(t)

	if _, err := b.Send(SendRequest{From: "b1", To: "lead-1", Type: TypeWorkerDone, Subject: "done", Body: "branch ready"}); err != nil {
		t.Fatal(err)
	}

	block, err := b.CheckInject("lead-1", 0)
	if err != nil {
		t.Fatalf("CheckInject: %v", err)
	}
	if !strings.Contains(block, "🚨 PRIORITY: worker_done from b1") {
		t.Errorf("missing banner:\n%s", block)
	}
	if !strings.Contains(block, "branch ready") || !strings.Contains(block, "<system-reminder>") {
		t.Errorf("missing message body:\n%s", block)
	}

	// Marker consumed and mail delivered: second call is empty.
	block, err = b.CheckInject("lead-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if block != "" {
		t.Errorf("second inject not empty:\n%s", block)
	}
}

func TestCheckInjectDebounce(t *testing.T) {
	b, _ := testBroker(t)

	if _, err := b.Send(SendRequest{From: "a", To: "alice", Subject: "one"}); err != nil {
		t.Fatal(err)
	}
	block, err := b.CheckInject("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if block == "" {
		t.Fatal("first inject should deliver")
	}

	// New mail arrives inside the window: debounced to silence.
	if _, err := b.Send(SendRequest{From: "a", To: "alice", Subject: "two"}); err != nil {
		t.Fatal(err)
	}
	block, err = b.CheckInject("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if block != "" {
		t.Errorf("debounced call delivered:\n%s", block)
	}

	// Without a window the backlog drains.
	block, err = b.CheckInject("alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(block, "two") {
		t.Errorf("backlog not delivered:\n%s", block)
	}
}

func TestCheckLeavesMailUnread(t *testing.T) {
	b, _ := testBroker(t)
	if _, err := b.Send(SendRequest{From: "a", To: "alice", Subject: "S"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		msgs, err := b.Check("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 {
			t.Fatalf("pass %d: got %d messages, want 1", i, len(msgs))
		}
	}
}

func TestTakeNudgeClears(t *testing.T) {
	b, _ := testBroker(t)
	if err := WriteNudge(b.Paths, "alice", Nudge{From: "bob", Reason: "worker_done"}); err != nil {
		t.Fatal(err)
	}

	n, ok, err := TakeNudge(b.Paths, "alice")
	if err != nil || !ok {
		t.Fatalf("take: ok=%v err=%v", ok, err)
	}
	if n.From != "bob" {
		t.Errorf("nudge = %+v", n)
	}
	if _, ok, _ := TakeNudge(b.Paths, "alice"); ok {
		t.Error("marker survived take")
	}
}
