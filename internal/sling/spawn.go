package sling

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/hooks"
	"github.com/overstory-ai/overstory/internal/proc"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// TaskOverlayName is the file describing the bound task, written at
// the worktree root of every worker agent.
const TaskOverlayName = ".overstory-task.md"

// tuiReadyTimeout bounds the wait for the AI CLI to finish drawing.
const tuiReadyTimeout = 30 * time.Second

// admit provisions an agent after the gates have passed: identity,
// worktree, hooks, tmux pane, startup beacon, session row.
func (s *Scheduler) admit(ctx context.Context, req Request, capability agent.Capability, depth int, brief string) (*Result, error) {
	if s.Provider == nil {
		return nil, errdefs.Configf("no provider configured; cannot spawn agents")
	}

	if !s.lastAdmit.IsZero() {
		wait := time.Duration(s.Config.Agents.StaggerDelayMs)*time.Millisecond - time.Since(s.lastAdmit)
		s.pause(wait)
	}

	// Identity record: create on first run, then bump the CV.
	id, created, err := agent.EnsureIdentity(s.Paths, req.Name, capability, s.Config.Mulch.Domains)
	if err != nil {
		return nil, err
	}
	id.RecordSession(capability)
	if err := agent.SaveIdentity(s.Paths, id); err != nil {
		return nil, err
	}
	if created {
		fmt.Fprintf(s.out(), "Created identity %s (%s)\n", req.Name, capability)
	} else {
		fmt.Fprintf(s.out(), "Reviving %s for session %d\n", req.Name, id.SessionCount)
	}

	model := s.resolveModel(capability)

	// Supervisory agents run on the canonical branch in the primary
	// checkout; workers get a dedicated worktree and branch.
	branch := s.Config.Project.CanonicalBranch
	workDir := s.Paths.Root
	if !capability.Supervisory() {
		branch = git.AgentBranch(req.Name, beadSegment(req.BeadID))
		workDir, err = s.provisionWorktree(ctx, req.Name, branch)
		if err != nil {
			return nil, err
		}
		if err := s.writeOverlay(workDir, req, capability, branch, brief); err != nil {
			return nil, err
		}
	}

	if err := hooks.Deploy(s.Paths, workDir, capability); err != nil {
		return nil, err
	}

	definition, _, err := agent.Definition(s.Paths, capability)
	if err != nil {
		return nil, err
	}

	pane := tmux.SessionName(s.Config.Project.Name, req.Name)
	if err := s.spawnPane(ctx, pane, workDir, model, definition, req.Name); err != nil {
		return nil, err
	}
	fmt.Fprintf(s.out(), "Spawned %s in %s (model %s)\n", req.Name, pane, model)

	s.beaconChoreography(ctx, pane, req, capability, depth)

	pid := 0
	if p, err := s.Tmux.PanePID(ctx, pane); err == nil {
		pid = p
	}
	runID, _ := s.Runs.CurrentRun()

	now := time.Now().UTC()
	sess := store.Session{
		ID:           uuid.NewString(),
		AgentName:    req.Name,
		Capability:   string(capability),
		WorktreePath: workDir,
		BranchName:   branch,
		BeadID:       req.BeadID,
		TmuxSession:  pane,
		State:        store.StateBooting,
		PID:          pid,
		ParentAgent:  req.Parent,
		Depth:        depth,
		RunID:        runID,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := s.Sessions.Upsert(sess); err != nil {
		// The pane is already running; leave it for the watchdog rather
		// than killing work we cannot record.
		return nil, err
	}
	s.lastAdmit = time.Now()

	s.recordSpawn(sess)

	return &Result{
		SessionID:    sess.ID,
		AgentName:    req.Name,
		Capability:   capability,
		Model:        model,
		BeadID:       req.BeadID,
		Branch:       branch,
		WorktreePath: workDir,
		TmuxSession:  pane,
		Depth:        depth,
	}, nil
}

// beadSegment returns the branch segment for the bound bead. Agents
// slung without a task get a unique timestamp token so every run still
// lands on a fresh branch.
func beadSegment(beadID string) string {
	if beadID != "" {
		return beadID
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36)
}

// provisionWorktree creates the agent worktree, recycling a stale one
// left by a finished session when it holds no uncommitted work.
func (s *Scheduler) provisionWorktree(ctx context.Context, name, branch string) (string, error) {
	dir := s.Paths.WorktreeDir(name)
	if _, err := os.Stat(dir); err == nil {
		wt := git.New(dir)
		if dirty, derr := wt.HasUncommittedChanges(ctx); derr == nil && dirty {
			return "", errdefs.Worktreef("stale worktree %s has uncommitted changes", dir).
				WithHint("commit the work there or run `overstory worktree clean`")
		}
		fmt.Fprintf(s.out(), "Recycling stale worktree for %s\n", name)
		if err := s.Git.WorktreeRemove(ctx, dir, true); err != nil {
			return "", err
		}
		_ = s.Git.WorktreePrune(ctx)
	}

	if err := s.Git.WorktreeAdd(ctx, dir, branch, s.Config.Project.CanonicalBranch); err != nil {
		return "", err
	}
	if err := s.Git.VerifyWorktree(dir); err != nil {
		return "", err
	}
	if setup := s.Config.Worktrees.SetupCommand; setup != "" {
		fmt.Fprintf(s.out(), "Running worktree setup for %s\n", name)
		if _, err := proc.RunIn(ctx, dir, "sh", "-c", setup); err != nil {
			return "", errdefs.Wrap(errdefs.KindWorktree, err, "worktree setup command failed")
		}
	}
	return dir, nil
}

// writeOverlay drops the task brief into the worktree so the agent can
// read its assignment without any tool roundtrip. The overlay and the
// hook settings directory are added to the repository's local exclude
// file so they never show up in agent diffs.
func (s *Scheduler) writeOverlay(workDir string, req Request, capability agent.Capability, branch, brief string) error {
	var b strings.Builder
	title := req.BeadID
	if title == "" {
		title = "ad hoc"
	}
	fmt.Fprintf(&b, "# Task: %s\n\n", title)
	fmt.Fprintf(&b, "You are %s, a %s agent.\n\n", req.Name, capability)
	fmt.Fprintf(&b, "- Branch: %s\n", branch)
	fmt.Fprintf(&b, "- Base: %s\n", s.Config.Project.CanonicalBranch)
	fmt.Fprintf(&b, "- Parent: %s\n", orNone(req.Parent))
	if len(req.Files) > 0 {
		fmt.Fprintf(&b, "- Edit scope: limit changes to %s\n", strings.Join(req.Files, ", "))
	}
	b.WriteString("\n## Brief\n\n")
	if brief != "" {
		b.WriteString(strings.TrimRight(brief, "\n"))
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "No written brief. Check mail for instructions: overstory mail check --agent %s\n", req.Name)
	}

	path := filepath.Join(workDir, TaskOverlayName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, "writing task overlay")
	}
	_ = excludeLocally(s.Paths.Root, TaskOverlayName, ".claude/")
	return nil
}

// spawnPane starts the AI CLI in a fresh tmux session. A leftover
// session with the same name has no active row behind it (gate 5), so
// it is an orphan and gets killed first.
func (s *Scheduler) spawnPane(ctx context.Context, pane, workDir, model, definition, name string) error {
	if alive, err := s.Tmux.HasSession(ctx, pane); err == nil && alive {
		fmt.Fprintf(s.out(), "Killing orphan tmux session %s\n", pane)
		if err := s.Tmux.KillSession(ctx, pane); err != nil {
			return err
		}
	}

	env := map[string]string{"OVERSTORY_AGENT_NAME": name}
	for k, v := range s.Provider.Env() {
		env[k] = v
	}

	command := s.Provider.SpawnCommand(model, definition)
	if err := s.Tmux.NewSession(ctx, pane, workDir, command, env); err != nil {
		return errdefs.Wrap(errdefs.KindAgent, err, fmt.Sprintf("spawning pane %s", pane))
	}
	return nil
}

// beaconChoreography waits for the CLI to draw, pastes the startup
// beacon, and follows with two explicit submits. Interactive CLIs
// sometimes swallow the first Enter while still attaching handlers;
// the second submit one second later catches that.
func (s *Scheduler) beaconChoreography(ctx context.Context, pane string, req Request, capability agent.Capability, depth int) {
	if err := s.Tmux.WaitForTuiReady(ctx, pane, tuiReadyTimeout); err != nil {
		fmt.Fprintf(s.out(), "warning: %s; sending beacon anyway\n", err)
	}
	s.pause(1 * time.Second)

	if err := s.Tmux.SendKeysLiteral(ctx, pane, s.beacon(req, capability, depth)); err != nil {
		fmt.Fprintf(s.out(), "warning: beacon not delivered: %v\n", err)
		return
	}
	s.pause(1 * time.Second)
	_ = s.Tmux.SendEnter(ctx, pane)
	s.pause(1 * time.Second)
	_ = s.Tmux.SendEnter(ctx, pane)

	_ = s.Tmux.SetPaneStyle(ctx, pane, tmux.ThemeForCapability(string(capability)))
}

// beacon is the single-line startup message. It has to survive tmux
// send-keys literal mode, so no newlines.
func (s *Scheduler) beacon(req Request, capability agent.Capability, depth int) string {
	task := "no bound task; your assignment arrives by mail"
	if req.BeadID != "" {
		task = fmt.Sprintf("bead %s (brief in %s at your worktree root)", req.BeadID, TaskOverlayName)
	} else if !capability.Supervisory() {
		task = fmt.Sprintf("ad hoc (brief in %s at your worktree root)", TaskOverlayName)
	}
	return fmt.Sprintf(
		"You are %s, an overstory %s agent (depth %d, parent %s). Task: %s. "+
			"Startup protocol: run `overstory mail check --agent %s` before anything else, "+
			"work only inside this directory, commit to your branch and never push, "+
			"and send a worker_done mail when you finish.",
		req.Name, capability, depth, orNone(req.Parent), task, req.Name)
}

// recordSpawn emits the spawn event. Best effort: observability never
// blocks an admit.
func (s *Scheduler) recordSpawn(sess store.Session) {
	if s.Events == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{
		"capability": sess.Capability,
		"bead_id":    sess.BeadID,
		"branch":     sess.BranchName,
		"parent":     sess.ParentAgent,
	})
	_, _ = s.Events.Insert(store.Event{
		RunID:     sess.RunID,
		AgentName: sess.AgentName,
		SessionID: sess.ID,
		EventType: store.EventSpawn,
		Level:     "info",
		Data:      string(data),
	})
}

// excludeLocally appends patterns to .git/info/exclude in the primary
// checkout so agent-only artifacts stay out of every worktree's index.
func excludeLocally(root string, patterns ...string) error {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return err
	}

	path := filepath.Join(gitDir, "info", "exclude")
	existing, _ := os.ReadFile(path)
	have := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}

	var add []string
	for _, p := range patterns {
		if !have[p] {
			add = append(add, p)
		}
	}
	if len(add) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(strings.Join(add, "\n") + "\n")
	return err
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
