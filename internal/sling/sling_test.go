package sling

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/beads"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/proc"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// paneRunner fakes the tmux binary one subcommand at a time and keeps
// every invocation for inspection.
type paneRunner struct {
	calls      []proc.Options
	hasSession bool
	panePID    string
}

func (r *paneRunner) Run(_ context.Context, opts proc.Options) (*proc.Result, error) {
	r.calls = append(r.calls, opts)
	sub := ""
	if len(opts.Args) > 0 {
		sub = opts.Args[0]
	}
	switch sub {
	case "has-session":
		if r.hasSession {
			return &proc.Result{}, nil
		}
		return &proc.Result{ExitCode: 1, Stderr: "can't find session: no session"}, errors.New("exit status 1")
	case "kill-session":
		r.hasSession = false
		return &proc.Result{}, nil
	case "capture-pane":
		// Stable content so WaitForTuiReady settles on the second poll.
		return &proc.Result{Stdout: "claude >"}, nil
	case "display-message":
		return &proc.Result{Stdout: r.panePID}, nil
	default:
		return &proc.Result{}, nil
	}
}

func (r *paneRunner) subcommands() []string {
	subs := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		if len(c.Args) > 0 {
			subs = append(subs, c.Args[0])
		}
	}
	return subs
}

func (r *paneRunner) firstCall(sub string) (proc.Options, bool) {
	for _, c := range r.calls {
		if len(c.Args) > 0 && c.Args[0] == sub {
			return c, true
		}
	}
	return proc.Options{}, false
}

// scriptRunner feeds a canned response for the provider and bd fakes.
type scriptRunner struct {
	stdout string
	err    error
}

func (s *scriptRunner) Run(_ context.Context, _ proc.Options) (*proc.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &proc.Result{Stdout: s.stdout}, nil
}

type fixture struct {
	repo   *git.TestRepo
	pane   *paneRunner
	sched  *Scheduler
	out    *bytes.Buffer
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := git.NewTestRepo(t.TempDir())
	if err != nil {
		t.Fatalf("NewTestRepo: %v", err)
	}
	if _, err := repo.CreateInitialCommit(); err != nil {
		t.Fatalf("initial commit: %v", err)
	}

	paths := config.NewPaths(repo.Path)
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Project.Name = "demo"
	cfg.Project.Root = repo.Path

	sessions, err := store.OpenSessionStore(paths.SessionsDB(), "")
	if err != nil {
		t.Fatalf("OpenSessionStore: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	events, err := store.OpenEventStore(paths.EventsDB())
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	prov, err := provider.NewWithRunner("", cfg, &scriptRunner{})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	f := &fixture{
		repo: repo,
		pane: &paneRunner{panePID: "4242"},
		out:  &bytes.Buffer{},
	}
	f.sched = &Scheduler{
		Config:   cfg,
		Paths:    paths,
		Sessions: sessions,
		Events:   events,
		Git:      repo.Git,
		Tmux:     tmux.NewWithRunner(f.pane),
		Provider: prov,
		Beads: beads.NewWithRunner(repo.Path, true,
			&scriptRunner{stdout: `[{"id":"os-7","title":"Port the config loader","status":"open"}]`}),
		Runs:   runstate.New(paths.Dir),
		Output: f.out,
		getuid: func() int { return 1000 },
		sleep:  func(d time.Duration) { f.sleeps = append(f.sleeps, d) },
	}
	return f
}

func (f *fixture) addRow(t *testing.T, name, capability string, state store.SessionState, parentAgent string, depth int) {
	t.Helper()
	now := time.Now().UTC()
	err := f.sched.Sessions.Upsert(store.Session{
		AgentName:    name,
		Capability:   capability,
		State:        state,
		ParentAgent:  parentAgent,
		Depth:        depth,
		StartedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func builderReq(name, bead string) Request {
	return Request{Capability: "builder", Name: name, BeadID: bead, Depth: -1}
}

func wantValidation(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want validation error containing %q, got nil", substr)
	}
	if errdefs.KindOf(err) != errdefs.KindValidation {
		t.Fatalf("want KindValidation, got %v (%v)", errdefs.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not mention %q", err, substr)
	}
}

func TestSlingRefusesRoot(t *testing.T) {
	f := newFixture(t)
	f.sched.getuid = func() int { return 0 }

	_, err := f.sched.Sling(context.Background(), builderReq("hazel", "os-7"))
	wantValidation(t, err, "root")

	if _, err := os.Stat(f.sched.Paths.WorktreeDir("hazel")); !os.IsNotExist(err) {
		t.Fatal("gate failure still provisioned a worktree")
	}
}

func TestSlingValidatesName(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		want string
	}{
		{"", "agent name is required"},
		{strings.Repeat("x", 41), "character limit"},
		{"9lives", "must start with a letter"},
		{"bad name", "must start with a letter"},
	}
	for _, tc := range cases {
		_, err := f.sched.Sling(context.Background(), builderReq(tc.name, ""))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("name %q: got %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestSlingParentGates(t *testing.T) {
	f := newFixture(t)

	req := builderReq("kid", "")
	req.Parent = "boss"
	_, err := f.sched.Sling(context.Background(), req)
	wantValidation(t, err, `parent agent "boss" has no session`)

	f.addRow(t, "boss", "lead", store.StateCompleted, "", 0)
	_, err = f.sched.Sling(context.Background(), req)
	wantValidation(t, err, "only booting or working agents can spawn")
}

func TestSlingDepthGate(t *testing.T) {
	f := newFixture(t)
	f.addRow(t, "boss", "lead", store.StateWorking, "", 2)

	req := builderReq("kid", "")
	req.Parent = "boss"
	_, err := f.sched.Sling(context.Background(), req)
	wantValidation(t, err, "agents.maxDepth")

	req.ForceHierarchy = true
	res, err := f.sched.Sling(context.Background(), req)
	if err != nil {
		t.Fatalf("forced sling: %v", err)
	}
	if res.Depth != 3 {
		t.Fatalf("depth = %d, want 3", res.Depth)
	}
}

func TestSlingConcurrencyGate(t *testing.T) {
	f := newFixture(t)
	f.sched.Config.Agents.MaxConcurrent = 1
	f.addRow(t, "solo", "builder", store.StateWorking, "", 0)

	_, err := f.sched.Sling(context.Background(), builderReq("next", ""))
	wantValidation(t, err, "agent limit reached: 1 of 1")

	if err := f.sched.Sessions.UpdateState("solo", store.StateCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Sling(context.Background(), builderReq("next", "")); err != nil {
		t.Fatalf("sling after capacity freed: %v", err)
	}
}

func TestSlingDuplicateName(t *testing.T) {
	f := newFixture(t)
	f.addRow(t, "hazel", "builder", store.StateWorking, "", 0)

	_, err := f.sched.Sling(context.Background(), builderReq("hazel", ""))
	wantValidation(t, err, `"hazel" is already working`)

	// Terminal sessions do not block the name; slinging again revives it.
	if err := f.sched.Sessions.UpdateState("hazel", store.StateCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Sling(context.Background(), builderReq("hazel", "os-7")); err != nil {
		t.Fatalf("revival sling: %v", err)
	}
	sess, ok, err := f.sched.Sessions.GetByName("hazel")
	if err != nil || !ok {
		t.Fatalf("GetByName after revival: ok=%v err=%v", ok, err)
	}
	if sess.State != store.StateBooting {
		t.Fatalf("revived state = %s, want booting", sess.State)
	}
}

func TestSlingBeadGate(t *testing.T) {
	f := newFixture(t)
	f.sched.Beads = beads.NewWithRunner(f.repo.Path, true,
		&scriptRunner{stdout: `[{"id":"os-9","title":"Shipped already","status":"closed"}]`})

	_, err := f.sched.Sling(context.Background(), builderReq("hazel", "os-9"))
	wantValidation(t, err, "only open or in_progress beads are workable")
}

func TestSlingAdmitsBuilder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.sched.Runs.SetCurrentRun("run-1"); err != nil {
		t.Fatal(err)
	}

	specPath := filepath.Join(t.TempDir(), "brief.md")
	if err := os.WriteFile(specPath, []byte("Port the config loader to YAML.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := builderReq("hazel", "os-7")
	req.SpecPath = specPath
	req.Files = []string{"internal/config"}

	res, err := f.sched.Sling(ctx, req)
	if err != nil {
		t.Fatalf("Sling: %v", err)
	}
	if res.Branch != "overstory/hazel/os-7" {
		t.Errorf("branch = %q", res.Branch)
	}
	if res.TmuxSession != "overstory-demo-hazel" {
		t.Errorf("tmux session = %q", res.TmuxSession)
	}
	if res.Model != "sonnet" {
		t.Errorf("model = %q", res.Model)
	}
	if res.SessionID == "" {
		t.Error("empty session id")
	}

	// The worktree holds the canonical tree plus the task overlay.
	if _, err := os.Stat(filepath.Join(res.WorktreePath, "README.md")); err != nil {
		t.Fatalf("worktree not checked out: %v", err)
	}
	overlay, err := os.ReadFile(filepath.Join(res.WorktreePath, TaskOverlayName))
	if err != nil {
		t.Fatalf("task overlay: %v", err)
	}
	for _, want := range []string{"# Task: os-7", "Port the config loader to YAML.", "Edit scope: limit changes to internal/config"} {
		if !strings.Contains(string(overlay), want) {
			t.Errorf("overlay missing %q", want)
		}
	}

	settings, err := os.ReadFile(filepath.Join(res.WorktreePath, ".claude", "settings.json"))
	if err != nil {
		t.Fatalf("hook settings: %v", err)
	}
	if !strings.Contains(string(settings), "--capability builder") {
		t.Error("hook settings missing capability gate")
	}

	if !f.repo.Git.BranchExists(ctx, "overstory/hazel/os-7") {
		t.Error("agent branch not created")
	}

	exclude, err := os.ReadFile(filepath.Join(f.repo.Path, ".git", "info", "exclude"))
	if err != nil {
		t.Fatalf("info/exclude: %v", err)
	}
	if !strings.Contains(string(exclude), TaskOverlayName) {
		t.Error("overlay not excluded from agent diffs")
	}

	sess, ok, err := f.sched.Sessions.GetByName("hazel")
	if err != nil || !ok {
		t.Fatalf("session row: ok=%v err=%v", ok, err)
	}
	if sess.State != store.StateBooting || sess.BeadID != "os-7" || sess.RunID != "run-1" {
		t.Errorf("session row = %+v", sess)
	}
	if sess.PID != 4242 {
		t.Errorf("pid = %d, want 4242", sess.PID)
	}

	id, ok, err := agent.LoadIdentity(f.sched.Paths, "hazel")
	if err != nil || !ok {
		t.Fatalf("identity: ok=%v err=%v", ok, err)
	}
	if id.SessionCount != 1 {
		t.Errorf("session count = %d, want 1", id.SessionCount)
	}

	evs, err := f.sched.Events.List(store.EventFilter{Agent: "hazel"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].EventType != store.EventSpawn || evs[0].RunID != "run-1" {
		t.Errorf("spawn events = %+v", evs)
	}

	// Pane bring-up: fresh session in the worktree with the agent env,
	// then the beacon and two submits.
	ns, ok := f.pane.firstCall("new-session")
	if !ok {
		t.Fatal("new-session never invoked")
	}
	joined := strings.Join(ns.Args, " ")
	if !strings.Contains(joined, "-c "+res.WorktreePath) {
		t.Errorf("new-session args missing worktree dir: %v", ns.Args)
	}
	if !strings.Contains(joined, "OVERSTORY_AGENT_NAME=hazel") {
		t.Errorf("new-session args missing agent env: %v", ns.Args)
	}
	command := ns.Args[len(ns.Args)-1]
	if !strings.Contains(command, "claude --dangerously-skip-permissions") ||
		!strings.Contains(command, "--model sonnet") ||
		!strings.Contains(command, "--append-system-prompt") {
		t.Errorf("spawn command = %q", command)
	}

	var beacon string
	enters := 0
	for _, c := range f.pane.calls {
		if len(c.Args) == 0 || c.Args[0] != "send-keys" {
			continue
		}
		keys := strings.Join(c.Args, " ")
		if strings.Contains(keys, " -l ") {
			beacon = keys
		}
		if strings.HasSuffix(keys, " Enter") {
			enters++
		}
	}
	if !strings.Contains(beacon, "You are hazel") || !strings.Contains(beacon, "bead os-7") {
		t.Errorf("beacon = %q", beacon)
	}
	if enters < 2 {
		t.Errorf("submits = %d, want 2", enters)
	}
}

func TestSlingRunsWorktreeSetup(t *testing.T) {
	f := newFixture(t)
	f.sched.Config.Worktrees.SetupCommand = "touch setup-ran"

	res, err := f.sched.Sling(context.Background(), builderReq("hazel", "os-7"))
	if err != nil {
		t.Fatalf("Sling: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.WorktreePath, "setup-ran")); err != nil {
		t.Errorf("setup command did not run in the worktree: %v", err)
	}
	if !strings.Contains(f.out.String(), "Running worktree setup") {
		t.Error("setup not reported")
	}
}

func TestSlingFailedSetupAborts(t *testing.T) {
	f := newFixture(t)
	f.sched.Config.Worktrees.SetupCommand = "exit 7"

	_, err := f.sched.Sling(context.Background(), builderReq("hazel", "os-7"))
	if err == nil {
		t.Fatal("want error from failing setup command")
	}
	if errdefs.KindOf(err) != errdefs.KindWorktree {
		t.Errorf("kind = %v, want KindWorktree", errdefs.KindOf(err))
	}
	if _, ok, _ := f.sched.Sessions.GetByName("hazel"); ok {
		t.Error("session row should not exist after aborted admission")
	}
}

func TestSlingSupervisoryOnCanonicalBranch(t *testing.T) {
	f := newFixture(t)

	res, err := f.sched.Sling(context.Background(), Request{Capability: "monitor", Name: "watch1", Depth: -1})
	if err != nil {
		t.Fatalf("Sling: %v", err)
	}
	if res.WorktreePath != f.repo.Path {
		t.Errorf("workdir = %q, want project root", res.WorktreePath)
	}
	if res.Branch != "main" {
		t.Errorf("branch = %q, want main", res.Branch)
	}
	if res.Model != "haiku" {
		t.Errorf("model = %q, want haiku", res.Model)
	}
	if _, err := os.Stat(f.sched.Paths.WorktreeDir("watch1")); !os.IsNotExist(err) {
		t.Error("supervisory agent got a worktree")
	}
	if _, err := os.Stat(filepath.Join(f.repo.Path, TaskOverlayName)); !os.IsNotExist(err) {
		t.Error("task overlay written into the primary checkout")
	}
	if _, err := os.Stat(filepath.Join(f.repo.Path, ".claude", "settings.json")); err != nil {
		t.Errorf("hooks not deployed to project root: %v", err)
	}
}

func TestSlingLeadScoutAdvisory(t *testing.T) {
	f := newFixture(t)
	f.addRow(t, "boss", "lead", store.StateWorking, "", 0)

	req := builderReq("b1", "")
	req.Parent = "boss"
	res, err := f.sched.Sling(context.Background(), req)
	if err != nil {
		t.Fatalf("Sling: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "without having spawned a scout") {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	if !strings.Contains(f.out.String(), "warning:") {
		t.Error("advisory not printed")
	}

	// Once any scout has run under the lead, the advisory goes quiet.
	f.addRow(t, "eyes", "scout", store.StateCompleted, "boss", 1)
	req2 := builderReq("b2", "")
	req2.Parent = "boss"
	res2, err := f.sched.Sling(context.Background(), req2)
	if err != nil {
		t.Fatalf("Sling: %v", err)
	}
	if len(res2.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", res2.Warnings)
	}
}

func TestSlingAdHocBranchToken(t *testing.T) {
	f := newFixture(t)

	res, err := f.sched.Sling(context.Background(), builderReq("rex", ""))
	if err != nil {
		t.Fatalf("Sling: %v", err)
	}
	if !regexp.MustCompile(`^overstory/rex/[0-9a-z]+$`).MatchString(res.Branch) {
		t.Fatalf("branch = %q, want timestamp token", res.Branch)
	}
	name, _, ok := git.ParseAgentBranch(res.Branch)
	if !ok || name != "rex" {
		t.Fatalf("ParseAgentBranch(%q) = %q %v", res.Branch, name, ok)
	}

	overlay, err := os.ReadFile(filepath.Join(res.WorktreePath, TaskOverlayName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(overlay), "# Task: ad hoc") {
		t.Errorf("overlay = %q", overlay)
	}
}

func TestSlingRecyclesStaleWorktree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.sched.Sling(ctx, builderReq("hazel", "os-7"))
	if err != nil {
		t.Fatalf("first sling: %v", err)
	}
	if err := f.sched.Sessions.UpdateState("hazel", store.StateCompleted); err != nil {
		t.Fatal(err)
	}

	second, err := f.sched.Sling(ctx, builderReq("hazel", "os-8"))
	if err != nil {
		t.Fatalf("second sling: %v", err)
	}
	if second.Branch != "overstory/hazel/os-8" {
		t.Errorf("branch = %q", second.Branch)
	}
	if second.WorktreePath != first.WorktreePath {
		t.Errorf("worktree moved: %q -> %q", first.WorktreePath, second.WorktreePath)
	}
	cur, err := git.New(second.WorktreePath).CurrentBranch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur != "overstory/hazel/os-8" {
		t.Errorf("checked out %q", cur)
	}
	if !strings.Contains(f.out.String(), "Recycling stale worktree") {
		t.Error("recycle not reported")
	}
}

func TestSlingRefusesDirtyStaleWorktree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.sched.Sling(ctx, builderReq("hazel", "os-7"))
	if err != nil {
		t.Fatalf("sling: %v", err)
	}
	if err := os.WriteFile(filepath.Join(res.WorktreePath, "scratch.go"), []byte("package scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Sessions.UpdateState("hazel", store.StateCompleted); err != nil {
		t.Fatal(err)
	}

	_, err = f.sched.Sling(ctx, builderReq("hazel", ""))
	if err == nil {
		t.Fatal("dirty worktree recycled")
	}
	if errdefs.KindOf(err) != errdefs.KindWorktree {
		t.Fatalf("kind = %v", errdefs.KindOf(err))
	}
	if !strings.Contains(err.Error(), "uncommitted changes") {
		t.Fatalf("err = %v", err)
	}
}

func TestSlingKillsOrphanPane(t *testing.T) {
	f := newFixture(t)
	f.pane.hasSession = true
	f.pane.panePID = "0" // orphan has no live process behind it

	if _, err := f.sched.Sling(context.Background(), builderReq("rex", "")); err != nil {
		t.Fatalf("Sling: %v", err)
	}

	subs := f.pane.subcommands()
	kill, spawn := -1, -1
	for i, s := range subs {
		if s == "kill-session" && kill < 0 {
			kill = i
		}
		if s == "new-session" {
			spawn = i
		}
	}
	if kill < 0 || spawn < 0 || kill > spawn {
		t.Fatalf("call order = %v", subs)
	}
	if !strings.Contains(f.out.String(), "Killing orphan tmux session") {
		t.Error("orphan kill not reported")
	}
}

func TestSlingStaggersAdmissions(t *testing.T) {
	f := newFixture(t)
	f.sched.Config.Agents.StaggerDelayMs = 5000
	ctx := context.Background()

	if _, err := f.sched.Sling(ctx, builderReq("a1", "")); err != nil {
		t.Fatalf("first sling: %v", err)
	}
	for _, d := range f.sleeps {
		if d > 3*time.Second {
			t.Fatalf("first admit staggered by %s", d)
		}
	}

	f.sleeps = nil
	if _, err := f.sched.Sling(ctx, builderReq("a2", "")); err != nil {
		t.Fatalf("second sling: %v", err)
	}
	staggered := false
	for _, d := range f.sleeps {
		if d > 3*time.Second {
			staggered = true
		}
	}
	if !staggered {
		t.Fatal("second admit not staggered")
	}
}
