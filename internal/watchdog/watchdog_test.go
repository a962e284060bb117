package watchdog

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/proc"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/tmux"
	"github.com/overstory-ai/overstory/internal/util"
)

// paneRunner fakes the tmux binary with per-session liveness so one
// tick can see both dead and healthy panes.
type paneRunner struct {
	calls []proc.Options
	dead  map[string]bool
	fail  map[string]bool
}

func newPaneRunner() *paneRunner {
	return &paneRunner{dead: map[string]bool{}, fail: map[string]bool{}}
}

func (r *paneRunner) target(opts proc.Options) string {
	for i, a := range opts.Args {
		if a == "-t" && i+1 < len(opts.Args) {
			return strings.TrimPrefix(opts.Args[i+1], "=")
		}
	}
	return ""
}

func (r *paneRunner) Run(_ context.Context, opts proc.Options) (*proc.Result, error) {
	r.calls = append(r.calls, opts)
	sub := ""
	if len(opts.Args) > 0 {
		sub = opts.Args[0]
	}
	switch sub {
	case "has-session":
		name := r.target(opts)
		if r.fail[name] {
			return &proc.Result{ExitCode: 1, Stderr: "lost server socket"}, errors.New("exit status 1")
		}
		if r.dead[name] {
			return &proc.Result{ExitCode: 1, Stderr: "can't find session: " + name}, errors.New("exit status 1")
		}
		return &proc.Result{}, nil
	case "kill-session":
		r.dead[r.target(opts)] = true
		return &proc.Result{}, nil
	case "display-message":
		// Pane pid 0 so nothing real is ever signalled.
		return &proc.Result{Stdout: "0"}, nil
	default:
		return &proc.Result{}, nil
	}
}

func (r *paneRunner) killedSession(name string) bool {
	for _, c := range r.calls {
		if len(c.Args) > 0 && c.Args[0] == "kill-session" && r.target(c) == name {
			return true
		}
	}
	return false
}

// scriptRunner feeds a canned provider response and records prompts.
type scriptRunner struct {
	stdout string
	err    error
	calls  []proc.Options
}

func (s *scriptRunner) Run(_ context.Context, opts proc.Options) (*proc.Result, error) {
	s.calls = append(s.calls, opts)
	if s.err != nil {
		return nil, s.err
	}
	return &proc.Result{Stdout: s.stdout}, nil
}

type fixture struct {
	t        *testing.T
	cfg      *config.Config
	paths    config.Paths
	sessions *store.SessionStore
	events   *store.EventStore
	runs     *runstate.Store
	pane     *paneRunner
	out      *bytes.Buffer
	wd       *Watchdog
	sleeps   []time.Duration
	killed   []int
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	paths := config.NewPaths(dir)
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Project.Name = "demo"
	cfg.Project.Root = dir

	sessions, err := store.OpenSessionStore(paths.SessionsDB(), "")
	if err != nil {
		t.Fatalf("OpenSessionStore: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	events, err := store.OpenEventStore(paths.EventsDB())
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	f := &fixture{
		t:        t,
		cfg:      cfg,
		paths:    paths,
		sessions: sessions,
		events:   events,
		runs:     runstate.New(paths.Dir),
		pane:     newPaneRunner(),
		out:      &bytes.Buffer{},
		clock:    time.Now(),
	}
	f.wd = &Watchdog{
		Config:   cfg,
		Paths:    paths,
		Sessions: sessions,
		Events:   events,
		Tmux:     tmux.NewWithRunner(f.pane),
		Runs:     f.runs,
		Output:   f.out,
		killTree: func(pid int, _ time.Duration) { f.killed = append(f.killed, pid) },
		sleep:    func(d time.Duration) { f.sleeps = append(f.sleeps, d) },
		now:      func() time.Time { return f.clock },
	}
	return f
}

func (f *fixture) setProvider(response string) *scriptRunner {
	f.t.Helper()
	r := &scriptRunner{stdout: response}
	p, err := provider.NewWithRunner("", f.cfg, r)
	if err != nil {
		f.t.Fatalf("NewWithRunner: %v", err)
	}
	f.wd.Provider = p
	return r
}

func (f *fixture) addSession(name, capability string, state store.SessionState) {
	f.addRunSession(name, capability, state, "")
}

func (f *fixture) addRunSession(name, capability string, state store.SessionState, runID string) {
	f.t.Helper()
	err := f.sessions.Upsert(store.Session{
		AgentName:   name,
		Capability:  capability,
		TmuxSession: "overstory-demo-" + name,
		State:       state,
		ParentAgent: "canopy",
		RunID:       runID,
	})
	if err != nil {
		f.t.Fatalf("upsert %s: %v", name, err)
	}
}

func (f *fixture) mustSession(name string) store.Session {
	f.t.Helper()
	sess, ok, err := f.sessions.GetByName(name)
	if err != nil || !ok {
		f.t.Fatalf("session %s: ok=%v err=%v", name, ok, err)
	}
	return sess
}

func (f *fixture) lastEnd(agent string) store.Event {
	f.t.Helper()
	events, err := f.events.List(store.EventFilter{Agent: agent, Type: store.EventSessionEnd, Descending: true, Limit: 1})
	if err != nil || len(events) == 0 {
		f.t.Fatalf("no session_end for %s (err=%v)", agent, err)
	}
	return events[0]
}

func (f *fixture) tick() *TickReport {
	f.t.Helper()
	report, err := f.wd.Tick(context.Background())
	if err != nil {
		f.t.Fatalf("Tick: %v", err)
	}
	return report
}

func TestTickMarksDeadPaneZombie(t *testing.T) {
	f := newFixture(t)
	f.addSession("fern", "builder", store.StateWorking)
	f.pane.dead["overstory-demo-fern"] = true

	report := f.tick()

	if len(report.Zombies) != 1 || report.Zombies[0] != "fern" {
		t.Fatalf("Zombies = %v", report.Zombies)
	}
	if got := f.mustSession("fern").State; got != store.StateZombie {
		t.Fatalf("state = %s", got)
	}
	end := f.lastEnd("fern")
	if !strings.Contains(end.Data, `"reason":"external"`) {
		t.Errorf("end data = %q", end.Data)
	}
	if end.Level != "warn" {
		t.Errorf("end level = %q", end.Level)
	}
}

func TestTickMarksCleanExitZombie(t *testing.T) {
	f := newFixture(t)
	f.addSession("fern", "builder", store.StateWorking)
	if _, err := f.events.Insert(store.Event{AgentName: "fern", EventType: store.EventSessionEnd}); err != nil {
		t.Fatal(err)
	}
	f.pane.dead["overstory-demo-fern"] = true

	f.tick()

	end := f.lastEnd("fern")
	if !strings.Contains(end.Data, `"reason":"clean"`) {
		t.Errorf("end data = %q", end.Data)
	}
	if end.Level != "info" {
		t.Errorf("end level = %q", end.Level)
	}
}

func TestTickStalesQuietWorker(t *testing.T) {
	f := newFixture(t)
	f.addSession("moss", "builder", store.StateWorking)
	f.clock = time.Now().Add(6 * time.Minute)

	report := f.tick()

	if len(report.Stalled) != 1 || report.Stalled[0] != "moss" {
		t.Fatalf("Stalled = %v", report.Stalled)
	}
	sess := f.mustSession("moss")
	if sess.State != store.StateStalled {
		t.Fatalf("state = %s", sess.State)
	}
	if sess.StalledSince.IsZero() {
		t.Error("stalled_since not stamped")
	}
}

func TestTickLeavesFreshWorkerAlone(t *testing.T) {
	f := newFixture(t)
	f.addSession("moss", "builder", store.StateWorking)

	report := f.tick()

	if report.Checked != 1 {
		t.Fatalf("Checked = %d", report.Checked)
	}
	if len(report.Stalled)+len(report.Zombies)+len(report.Nudged) != 0 {
		t.Fatalf("unexpected transitions: %+v", report)
	}
	if got := f.mustSession("moss").State; got != store.StateWorking {
		t.Fatalf("state = %s", got)
	}
}

func TestTickProgressiveNudges(t *testing.T) {
	f := newFixture(t)
	f.addSession("moss", "builder", store.StateWorking)
	if err := f.sessions.UpdateState("moss", store.StateStalled); err != nil {
		t.Fatal(err)
	}
	base := time.Now()

	f.clock = base.Add(2 * time.Minute)
	report := f.tick()
	if len(report.Nudged) != 1 {
		t.Fatalf("first tick Nudged = %v", report.Nudged)
	}
	nudge, ok, err := mail.PeekNudge(f.paths, "moss")
	if err != nil || !ok {
		t.Fatalf("PeekNudge: ok=%v err=%v", ok, err)
	}
	if nudge.From != "watchdog" || nudge.Reason != "stalled" {
		t.Fatalf("nudge = %+v", nudge)
	}
	if !strings.Contains(nudge.Subject, "If you are blocked") {
		t.Errorf("level 0 subject = %q", nudge.Subject)
	}
	if got := f.mustSession("moss").EscalationLevel; got != 1 {
		t.Fatalf("escalation = %d", got)
	}

	// Same instant again: inside the nudge interval, so nothing fires.
	report = f.tick()
	if len(report.Nudged) != 0 {
		t.Fatalf("debounced tick Nudged = %v", report.Nudged)
	}

	f.clock = base.Add(4 * time.Minute)
	f.tick()
	nudge, _, _ = mail.PeekNudge(f.paths, "moss")
	if !strings.Contains(nudge.Subject, "overstory mail check --agent moss") {
		t.Errorf("level 1 subject = %q", nudge.Subject)
	}

	f.clock = base.Add(6 * time.Minute)
	f.tick()
	nudge, _, _ = mail.PeekNudge(f.paths, "moss")
	if !strings.Contains(nudge.Subject, "worker_done") {
		t.Errorf("level 2 subject = %q", nudge.Subject)
	}
	if got := f.mustSession("moss").EscalationLevel; got != 3 {
		t.Fatalf("escalation = %d", got)
	}
}

func TestTickKillsStalledPastThreshold(t *testing.T) {
	f := newFixture(t)
	f.addSession("bramble", "builder", store.StateWorking)
	if err := f.sessions.UpdateState("bramble", store.StateStalled); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.UpdatePID("bramble", 4242); err != nil {
		t.Fatal(err)
	}
	f.clock = time.Now().Add(20 * time.Minute)

	report := f.tick()

	if len(report.Killed) != 1 || report.Killed[0] != "bramble" {
		t.Fatalf("Killed = %v", report.Killed)
	}
	if len(f.killed) != 1 || f.killed[0] != 4242 {
		t.Fatalf("killed pids = %v", f.killed)
	}
	if !f.pane.killedSession("overstory-demo-bramble") {
		t.Error("tmux kill-session not issued")
	}
	if got := f.mustSession("bramble").State; got != store.StateZombie {
		t.Fatalf("state = %s", got)
	}
	if end := f.lastEnd("bramble"); !strings.Contains(end.Data, `"reason":"stall_kill"`) {
		t.Errorf("end data = %q", end.Data)
	}
}

func TestTickTriageTerminate(t *testing.T) {
	f := newFixture(t)
	f.cfg.Watchdog.Tier1Enabled = true
	script := f.setProvider("Verdict: TERMINATE. The pane shows a fatal crash loop.")
	f.addSession("sable", "builder", store.StateWorking)
	if err := f.sessions.UpdateState("sable", store.StateStalled); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.UpdateEscalation("sable", 3); err != nil {
		t.Fatal(err)
	}
	f.clock = time.Now().Add(5 * time.Minute)

	report := f.tick()

	if len(report.Triaged) != 1 || report.Triaged[0] != "sable" {
		t.Fatalf("Triaged = %v", report.Triaged)
	}
	if len(report.Killed) != 1 {
		t.Fatalf("Killed = %v", report.Killed)
	}
	if got := f.mustSession("sable").State; got != store.StateZombie {
		t.Fatalf("state = %s", got)
	}
	if len(script.calls) != 1 {
		t.Fatalf("provider calls = %d", len(script.calls))
	}
	prompt := script.calls[0].Stdin
	if !strings.Contains(prompt, "sable") || !strings.Contains(prompt, "Reply with exactly one word") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestTickTriageRetryResetsToWorking(t *testing.T) {
	f := newFixture(t)
	f.cfg.Watchdog.Tier1Enabled = true
	f.setProvider("retry")
	f.addSession("lichen", "builder", store.StateWorking)
	if err := f.sessions.UpdateState("lichen", store.StateStalled); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.UpdateEscalation("lichen", 4); err != nil {
		t.Fatal(err)
	}
	f.clock = time.Now().Add(5 * time.Minute)

	f.tick()

	sess := f.mustSession("lichen")
	if sess.State != store.StateWorking {
		t.Fatalf("state = %s", sess.State)
	}
	if sess.EscalationLevel != 0 {
		t.Fatalf("escalation = %d", sess.EscalationLevel)
	}
	if !sess.StalledSince.IsZero() {
		t.Error("stalled_since not cleared")
	}
	nudge, ok, _ := mail.PeekNudge(f.paths, "lichen")
	if !ok || nudge.Reason != "triage" {
		t.Fatalf("continue marker = %+v ok=%v", nudge, ok)
	}
}

func TestTickTriageUnparseableExtends(t *testing.T) {
	f := newFixture(t)
	f.cfg.Watchdog.Tier1Enabled = true
	f.setProvider("hard to say, give it more room")
	f.addSession("aspen", "builder", store.StateWorking)
	if err := f.sessions.UpdateState("aspen", store.StateStalled); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.UpdateEscalation("aspen", 3); err != nil {
		t.Fatal(err)
	}
	f.clock = time.Now().Add(5 * time.Minute)

	report := f.tick()

	if len(report.Triaged) != 1 {
		t.Fatalf("Triaged = %v", report.Triaged)
	}
	if len(f.killed) != 0 {
		t.Fatalf("killed pids = %v", f.killed)
	}
	sess := f.mustSession("aspen")
	if sess.State != store.StateStalled {
		t.Fatalf("state = %s", sess.State)
	}
	if sess.StalledSince.IsZero() {
		t.Error("stall window not restarted")
	}
}

func TestTickCompletesRun(t *testing.T) {
	f := newFixture(t)
	if err := f.runs.SetCurrentRun("run-9"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.CreateRun(store.Run{ID: "run-9", Objective: "port the parser"}); err != nil {
		t.Fatal(err)
	}
	f.addRunSession("alder", "builder", store.StateWorking, "run-9")
	f.addRunSession("rowan", "builder", store.StateCompleted, "run-9")

	report := f.tick()
	if report.CompletedRun != "" {
		t.Fatalf("run completed early: %q", report.CompletedRun)
	}

	if err := f.sessions.UpdateState("alder", store.StateCompleted); err != nil {
		t.Fatal(err)
	}
	report = f.tick()
	if report.CompletedRun != "run-9" {
		t.Fatalf("CompletedRun = %q", report.CompletedRun)
	}
	current, err := f.runs.CurrentRun()
	if err != nil || current != "" {
		t.Fatalf("current run = %q err=%v", current, err)
	}
	run, ok, err := f.sessions.GetRun("run-9")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if run.CompletedAt.IsZero() {
		t.Error("run not stamped completed")
	}
}

func TestTickSurvivesPerAgentErrors(t *testing.T) {
	f := newFixture(t)
	f.addSession("glitch", "builder", store.StateWorking)
	f.addSession("drift", "builder", store.StateWorking)
	f.pane.fail["overstory-demo-glitch"] = true
	f.pane.dead["overstory-demo-drift"] = true

	report := f.tick()

	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "glitch") {
		t.Fatalf("Errors = %v", report.Errors)
	}
	if len(report.Zombies) != 1 || report.Zombies[0] != "drift" {
		t.Fatalf("Zombies = %v", report.Zombies)
	}
}

func TestTickNudgeWriteFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.addSession("thorn", "builder", store.StateWorking)
	if err := f.sessions.UpdateState("thorn", store.StateStalled); err != nil {
		t.Fatal(err)
	}
	// A file where the marker directory belongs makes every write fail.
	if err := os.WriteFile(filepath.Join(f.paths.Dir, "pending-nudges"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.clock = time.Now().Add(5 * time.Minute)

	report := f.tick()

	if len(report.Errors) != 1 {
		t.Fatalf("Errors = %v", report.Errors)
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("retry sleeps = %v", f.sleeps)
	}
	if got := f.mustSession("thorn").EscalationLevel; got != 0 {
		t.Fatalf("escalation advanced to %d despite failure", got)
	}
}

func TestPatrolRefusesSecondInstance(t *testing.T) {
	f := newFixture(t)
	lock := util.NewFileLock(f.paths.WatchdogLockFile())
	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.wd.Patrol(ctx)
	if err == nil || !strings.Contains(err.Error(), "already patrolling") {
		t.Fatalf("err = %v", err)
	}
	if errdefs.KindOf(err) != errdefs.KindAgent {
		t.Fatalf("kind = %s", errdefs.KindOf(err))
	}
}

func TestPatrolStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.wd.Patrol(ctx); err != nil {
		t.Fatalf("Patrol: %v", err)
	}
	if !strings.Contains(f.out.String(), "Watchdog patrolling") {
		t.Errorf("output = %q", f.out.String())
	}
}

func TestEnsureMonitorRespawns(t *testing.T) {
	f := newFixture(t)
	f.cfg.Watchdog.Tier2Enabled = true
	spawned := 0
	f.wd.SpawnMonitor = func(context.Context) error { spawned++; return nil }
	ctx := context.Background()

	// No session row at all: spawn.
	f.wd.patrolOnce(ctx)
	if spawned != 1 {
		t.Fatalf("spawned = %d", spawned)
	}

	// Healthy monitor: leave it alone.
	f.addSession(MonitorAgentName, "monitor", store.StateWorking)
	f.wd.patrolOnce(ctx)
	if spawned != 1 {
		t.Fatalf("respawned over a healthy monitor (spawned = %d)", spawned)
	}

	// Dead pane: zombie the row and spawn a replacement.
	f.pane.dead["overstory-demo-"+MonitorAgentName] = true
	f.wd.patrolOnce(ctx)
	if spawned != 2 {
		t.Fatalf("spawned = %d", spawned)
	}
	if got := f.mustSession(MonitorAgentName).State; got != store.StateZombie {
		t.Fatalf("state = %s", got)
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		in   string
		want Verdict
	}{
		{"RETRY", VerdictRetry},
		{"Recoverable, just waiting on a slow test.", VerdictRetry},
		{"I think TERMINATE.", VerdictTerminate},
		{"fatal tool loop; kill it", VerdictTerminate},
		{"failed", VerdictTerminate},
		{"extend", VerdictExtend},
		{"", VerdictExtend},
		{"hard to say", VerdictExtend},
		{"terminate or retry, your call", VerdictTerminate},
	}
	for _, tc := range cases {
		if got := ParseVerdict(tc.in); got != tc.want {
			t.Errorf("ParseVerdict(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
