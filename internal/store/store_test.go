package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := OpenSessionStore(filepath.Join(t.TempDir(), "sessions.db"), "")
	if err != nil {
		t.Fatalf("OpenSessionStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newSessionStore(t)
	sess := Session{
		AgentName:    "alice",
		Capability:   "builder",
		WorktreePath: "/tmp/wt/alice",
		BranchName:   "overstory/alice/task-1",
		BeadID:       "task-1",
		TmuxSession:  "overstory-proj-alice",
		State:        StateBooting,
		PID:          4242,
		ParentAgent:  "lead-1",
		Depth:        1,
		RunID:        "run-9",
	}
	if err := s.Upsert(sess); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, found, err := s.GetByName("alice")
	if err != nil || !found {
		t.Fatalf("GetByName: found=%v err=%v", found, err)
	}
	if got.ID == "" {
		t.Error("upsert should assign an id")
	}
	if got.Capability != sess.Capability || got.BranchName != sess.BranchName ||
		got.BeadID != sess.BeadID || got.TmuxSession != sess.TmuxSession ||
		got.PID != sess.PID || got.ParentAgent != sess.ParentAgent ||
		got.Depth != sess.Depth || got.RunID != sess.RunID {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.StartedAt.IsZero() || got.LastActivity.IsZero() {
		t.Error("timestamps should be server-assigned")
	}
	if got.LastActivity.Before(got.StartedAt) {
		t.Error("last_activity must be >= started_at")
	}
}

func TestSessionGetActive(t *testing.T) {
	s := newSessionStore(t)
	states := map[string]SessionState{
		"a": StateBooting, "b": StateWorking, "c": StateStalled,
		"d": StateCompleted, "e": StateZombie,
	}
	for name, st := range states {
		if err := s.Upsert(Session{AgentName: name, Capability: "builder", State: st}); err != nil {
			t.Fatalf("Upsert %s: %v", name, err)
		}
	}
	active, err := s.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("active count = %d, want 3", len(active))
	}
	n, err := s.CountActive()
	if err != nil || n != 3 {
		t.Errorf("CountActive = %d, %v", n, err)
	}
}

func TestUpdateLastActivityRevives(t *testing.T) {
	s := newSessionStore(t)
	for _, tt := range []struct {
		name  string
		from  SessionState
		wantS SessionState
	}{
		{"zomb", StateZombie, StateWorking},
		{"boot", StateBooting, StateWorking},
		{"stall", StateStalled, StateWorking},
		{"done", StateCompleted, StateCompleted},
	} {
		if err := s.Upsert(Session{AgentName: tt.name, Capability: "builder", State: tt.from, EscalationLevel: 2}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := s.UpdateLastActivity(tt.name); err != nil {
			t.Fatalf("UpdateLastActivity: %v", err)
		}
		got, _, _ := s.GetByName(tt.name)
		if got.State != tt.wantS {
			t.Errorf("%s: state after activity = %s, want %s", tt.name, got.State, tt.wantS)
		}
		if tt.from != StateCompleted && got.EscalationLevel != 0 {
			t.Errorf("%s: escalation should reset on revival, got %d", tt.name, got.EscalationLevel)
		}
	}
}

func TestUpdateStateStalledBookkeeping(t *testing.T) {
	s := newSessionStore(t)
	if err := s.Upsert(Session{AgentName: "w", Capability: "builder", State: StateWorking}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.UpdateState("w", StateStalled); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, _, _ := s.GetByName("w")
	if got.StalledSince.IsZero() {
		t.Error("stalled transition should record stalled_since")
	}
	if err := s.UpdateState("w", StateWorking); err != nil {
		t.Fatalf("UpdateState back: %v", err)
	}
	got, _, _ = s.GetByName("w")
	if !got.StalledSince.IsZero() {
		t.Error("leaving stalled should clear stalled_since")
	}
	if err := s.UpdateState("ghost", StateWorking); err == nil {
		t.Error("updating a missing session should fail")
	}
}

func TestLegacyImport(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "sessions.json")
	entries := []map[string]any{
		{"agentName": "old-1", "capability": "builder", "state": "completed",
			"startedAt": "2025-01-02T03:04:05.000Z"},
		{"agentName": "old-2", "capability": "scout"},
	}
	data, _ := json.Marshal(entries)
	if err := os.WriteFile(legacy, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenSessionStore(filepath.Join(dir, "sessions.db"), legacy)
	if err != nil {
		t.Fatalf("OpenSessionStore: %v", err)
	}
	defer s.Close()

	got, found, _ := s.GetByName("old-1")
	if !found || got.State != StateCompleted {
		t.Errorf("old-1 not imported: found=%v %+v", found, got)
	}
	got, found, _ = s.GetByName("old-2")
	if !found || got.State != StateZombie {
		t.Errorf("pre-runId record should normalize to zombie: found=%v state=%s", found, got.State)
	}
	if got.RunID != "" {
		t.Errorf("missing run id should normalize to empty, got %q", got.RunID)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newSessionStore(t)
	run, err := s.CreateRun(Run{Objective: "ship the parser"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run id should be assigned")
	}
	got, found, _ := s.GetRun(run.ID)
	if !found || got.Objective != "ship the parser" {
		t.Errorf("GetRun: %+v found=%v", got, found)
	}
	if err := s.CompleteRun(run.ID); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	got, _, _ = s.GetRun(run.ID)
	first := got.CompletedAt
	if first.IsZero() {
		t.Fatal("run should be completed")
	}
	// Idempotent: a second completion leaves the stamp alone.
	time.Sleep(5 * time.Millisecond)
	if err := s.CompleteRun(run.ID); err != nil {
		t.Fatalf("CompleteRun again: %v", err)
	}
	got, _, _ = s.GetRun(run.ID)
	if !got.CompletedAt.Equal(first) {
		t.Error("second completion must not move the timestamp")
	}
}

func newEventStore(t *testing.T) *EventStore {
	t.Helper()
	e, err := OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEventInsertAndList(t *testing.T) {
	e := newEventStore(t)
	for _, ev := range []Event{
		{AgentName: "alice", EventType: EventSessionStart, ToolDurationMs: -1},
		{AgentName: "alice", EventType: EventToolStart, ToolName: "Bash", ToolDurationMs: -1},
		{AgentName: "bob", EventType: EventError, Level: "error", Data: `{"msg":"boom"}`, ToolDurationMs: -1},
	} {
		if _, err := e.Insert(ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	byAgent, err := e.List(EventFilter{Agent: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("alice events = %d, want 2", len(byAgent))
	}
	errs, err := e.Errors(10)
	if err != nil || len(errs) != 1 || errs[0].AgentName != "bob" {
		t.Errorf("Errors = %+v, %v", errs, err)
	}
}

func TestToolEndCorrelation(t *testing.T) {
	e := newEventStore(t)
	if _, err := e.Insert(Event{AgentName: "alice", EventType: EventToolStart, ToolName: "Bash", ToolDurationMs: -1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	id, duration, found, err := e.CorrelateToolEnd("alice", "Bash")
	if err != nil {
		t.Fatalf("CorrelateToolEnd: %v", err)
	}
	if !found {
		t.Fatal("first tool_end should find the open tool_start")
	}
	if id == 0 || duration < 0 {
		t.Errorf("id=%d duration=%d", id, duration)
	}

	events, _ := e.List(EventFilter{Agent: "alice", Type: EventToolStart})
	if len(events) != 1 || events[0].ToolDurationMs < 0 {
		t.Errorf("tool_start should carry its duration after correlation: %+v", events)
	}

	// Duration is set exactly once; a stray second tool_end matches nothing.
	_, _, found, err = e.CorrelateToolEnd("alice", "Bash")
	if err != nil {
		t.Fatalf("second CorrelateToolEnd: %v", err)
	}
	if found {
		t.Error("second tool_end must not find a match")
	}
}

func TestToolEndCorrelationIsLIFO(t *testing.T) {
	e := newEventStore(t)
	if _, err := e.Insert(Event{AgentName: "a", EventType: EventToolStart, ToolName: "Bash", ToolDurationMs: -1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	innerPre := time.Now()
	if _, err := e.Insert(Event{AgentName: "a", EventType: EventToolStart, ToolName: "Bash", ToolDurationMs: -1}); err != nil {
		t.Fatal(err)
	}
	_, innerDur, found, err := e.CorrelateToolEnd("a", "Bash")
	if err != nil || !found {
		t.Fatalf("inner correlation: found=%v err=%v", found, err)
	}
	// The inner (most recent) start closes first, so its duration is
	// bounded by the time since the inner insert.
	if max := time.Since(innerPre).Milliseconds() + 5; innerDur > max {
		t.Errorf("inner duration %dms exceeds bound %dms; closed the outer start instead", innerDur, max)
	}
	_, _, found, _ = e.CorrelateToolEnd("a", "Bash")
	if !found {
		t.Error("outer start should still be open for the second end")
	}
}

func newMailStore(t *testing.T) *MailStore {
	t.Helper()
	m, err := OpenMailStore(filepath.Join(t.TempDir(), "mail.db"))
	if err != nil {
		t.Fatalf("OpenMailStore: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMailInsertListMarkRead(t *testing.T) {
	m := newMailStore(t)
	msg, err := m.Insert(Message{From: "lead-1", To: "builder-1", Subject: "S", Body: "B", Type: "status", Priority: "normal"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("insert should assign an id")
	}

	unread, err := m.List(MailFilter{To: "builder-1", Unread: true})
	if err != nil || len(unread) != 1 {
		t.Fatalf("List unread: %v, %v", unread, err)
	}

	already, err := m.MarkRead(msg.ID)
	if err != nil || already {
		t.Fatalf("first MarkRead: already=%v err=%v", already, err)
	}
	already, err = m.MarkRead(msg.ID)
	if err != nil || !already {
		t.Fatalf("second MarkRead should report alreadyRead: already=%v err=%v", already, err)
	}
	if _, err := m.MarkRead("nope"); err == nil {
		t.Error("marking a missing message should fail")
	}
}

func TestMailFIFO(t *testing.T) {
	m := newMailStore(t)
	for _, subj := range []string{"first", "second", "third"} {
		if _, err := m.Insert(Message{From: "a", To: "b", Subject: subj, Type: "status", Priority: "normal"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	msgs, err := m.List(MailFilter{To: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Subject != "first" || msgs[2].Subject != "third" {
		t.Errorf("delivery order wrong: %+v", msgs)
	}
}

func TestMailPurge(t *testing.T) {
	m := newMailStore(t)
	if _, err := m.Insert(Message{From: "a", To: "b", Type: "status", Priority: "normal"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Insert(Message{From: "c", To: "d", Type: "status", Priority: "normal"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Purge(PurgeOpts{}); err == nil {
		t.Error("purge with no selector should fail")
	}
	n, err := m.Purge(PurgeOpts{Agent: "b"})
	if err != nil || n != 1 {
		t.Errorf("Purge agent: n=%d err=%v", n, err)
	}
	n, err = m.Purge(PurgeOpts{All: true})
	if err != nil || n != 1 {
		t.Errorf("Purge all: n=%d err=%v", n, err)
	}
}

func TestMailGroups(t *testing.T) {
	m := newMailStore(t)
	if err := m.CreateGroup("frontend", []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := m.CreateGroup("frontend", nil); err == nil {
		t.Error("duplicate group creation should fail")
	}
	members, err := m.GroupMembers("frontend")
	if err != nil || len(members) != 2 {
		t.Fatalf("GroupMembers: %v, %v", members, err)
	}
	if err := m.AddToGroup("frontend", "carol"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveFromGroup("frontend", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveFromGroup("frontend", "ghost"); err == nil {
		t.Error("removing a non-member should fail")
	}
	members, _ = m.GroupMembers("frontend")
	if len(members) != 2 {
		t.Errorf("members after add/remove = %v", members)
	}
	groups, err := m.ListGroups()
	if err != nil || len(groups) != 1 || groups[0] != "frontend" {
		t.Errorf("ListGroups = %v, %v", groups, err)
	}
}

func newMergeQueue(t *testing.T) *MergeQueue {
	t.Helper()
	q, err := OpenMergeQueue(filepath.Join(t.TempDir(), "merge-queue.db"))
	if err != nil {
		t.Fatalf("OpenMergeQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestMergeQueueFIFO(t *testing.T) {
	q := newMergeQueue(t)
	for _, b := range []string{"overstory/a/t1", "overstory/b/t2"} {
		if _, err := q.Enqueue(MergeEntry{BranchName: b, AgentName: "x"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	next, found, err := q.NextPending()
	if err != nil || !found || next.BranchName != "overstory/a/t1" {
		t.Errorf("NextPending = %+v found=%v err=%v", next, found, err)
	}
}

func TestMergeQueueIdempotentEnqueue(t *testing.T) {
	q := newMergeQueue(t)
	first, err := q.Enqueue(MergeEntry{BranchName: "overstory/a/t1", FilesModified: []string{"src/a.ts"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(MergeEntry{BranchName: "overstory/a/t1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("re-enqueue should return the existing entry: %d vs %d", first.ID, second.ID)
	}
	got, _, _ := q.GetByBranch("overstory/a/t1")
	if len(got.FilesModified) != 1 || got.FilesModified[0] != "src/a.ts" {
		t.Errorf("files list lost: %+v", got.FilesModified)
	}
}

func TestMergeStatusMonotonic(t *testing.T) {
	q := newMergeQueue(t)
	if _, err := q.Enqueue(MergeEntry{BranchName: "overstory/a/t1"}); err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		status string
		tier   string
		ok     bool
	}{
		{MergeMerging, "", true},
		{MergeMerged, TierContentWins, true},
		{MergePending, "", false},
		{MergeMerging, "", false},
	}
	for _, st := range steps {
		err := q.UpdateStatus("overstory/a/t1", st.status, st.tier, "")
		if st.ok && err != nil {
			t.Errorf("transition to %s failed: %v", st.status, err)
		}
		if !st.ok && err == nil {
			t.Errorf("backwards transition to %s should fail", st.status)
		}
	}
	got, _, _ := q.GetByBranch("overstory/a/t1")
	if got.Status != MergeMerged || got.ResolvedTier != TierContentWins {
		t.Errorf("final entry: %+v", got)
	}
	pending, _ := q.List(MergePending)
	if len(pending) != 0 {
		t.Error("merged branch must not appear in pending list")
	}
}

func TestConflictHistory(t *testing.T) {
	q := newMergeQueue(t)
	_ = q.RecordConflictOutcome("src/shared.ts", TierContentWins, "overstory/a/t1", false)
	_ = q.RecordConflictOutcome("src/shared.ts", TierContentWins, "overstory/b/t2", true)
	_ = q.RecordConflictOutcome("src/shared.ts", TierAIAssist, "overstory/b/t2", true)
	hist, err := q.ConflictHistory("src/shared.ts")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history tiers = %d, want 2", len(hist))
	}
	for _, h := range hist {
		if h.Tier == TierContentWins && (h.Successes != 1 || h.Failures != 1) {
			t.Errorf("content-wins outcome = %+v", h)
		}
	}
}

func newMetricsStore(t *testing.T) *MetricsStore {
	t.Helper()
	m, err := OpenMetricsStore(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("OpenMetricsStore: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMetricsSessionRoundTrip(t *testing.T) {
	m := newMetricsStore(t)
	sm := SessionMetrics{
		AgentName:        "alice",
		BeadID:           "task-1",
		Capability:       "builder",
		StartedAt:        time.Now().Add(-time.Minute),
		CompletedAt:      time.Now(),
		DurationMs:       60000,
		InputTokens:      1200,
		OutputTokens:     3400,
		EstimatedCostUSD: 0.42,
		ModelUsed:        "sonnet",
		RunID:            "run-1",
	}
	if err := m.RecordSession(sm); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	rows, err := m.SessionsByAgent("alice")
	if err != nil || len(rows) != 1 {
		t.Fatalf("SessionsByAgent: %v, %v", rows, err)
	}
	got := rows[0]
	if got.InputTokens != 1200 || got.OutputTokens != 3400 || got.EstimatedCostUSD != 0.42 {
		t.Errorf("token round trip: %+v", got)
	}
	byRun, _ := m.SessionsByRun("run-1")
	if len(byRun) != 1 {
		t.Errorf("SessionsByRun = %d rows", len(byRun))
	}
	avg, err := m.AverageDuration()
	if err != nil || avg != time.Minute {
		t.Errorf("AverageDuration = %v, %v", avg, err)
	}
}

func TestLatestSnapshotsOnePerAgent(t *testing.T) {
	m := newMetricsStore(t)
	for i, tokens := range []int64{100, 200, 300} {
		agent := "alice"
		if i == 2 {
			agent = "bob"
		}
		if err := m.RecordSnapshot(MetricsSnapshot{AgentName: agent, OutputTokens: tokens}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	latest, err := m.LatestSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest snapshots = %d, want one per agent", len(latest))
	}
	for _, s := range latest {
		if s.AgentName == "alice" && s.OutputTokens != 200 {
			t.Errorf("alice snapshot should be the newest: %+v", s)
		}
	}
}

func TestWALCheckpointOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	s, err := OpenSessionStore(path, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if err := s.Upsert(Session{AgentName: "agent", Capability: "builder", State: StateWorking}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path + "-wal")
	if err == nil && info.Size() > 4096 {
		t.Errorf("wal file not checkpointed: %d bytes", info.Size())
	}
}
