// Package sling admits new agents into the fleet. A sling request
// passes through ordered validation gates (hierarchy, concurrency,
// name uniqueness, bead workability) and, once admitted, gets the full
// provisioning choreography: identity record, worktree on a dedicated
// branch, hook deployment, tmux pane running the AI CLI, startup
// beacon, and a session row in booting state.
package sling

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/beads"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/telemetry"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// nameRe bounds agent names to what tmux session names, branch names
// and directory names all accept.
var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

const maxNameLen = 40

// Scheduler validates and executes sling requests. Fields are wired by
// the command layer; Output receives progress lines.
type Scheduler struct {
	Config   *config.Config
	Paths    config.Paths
	Sessions *store.SessionStore
	Events   *store.EventStore
	Git      *git.Git
	Tmux     *tmux.Tmux
	Provider *provider.Provider
	Beads    *beads.Client
	Runs     *runstate.Store
	Output   io.Writer

	// getuid and sleep are swapped in tests to exercise the root gate
	// and skip the spawn choreography delays.
	getuid func() int
	sleep  func(time.Duration)

	// lastAdmit enforces staggerDelayMs between consecutive admits
	// within one process.
	lastAdmit time.Time
}

// Request is one sling invocation after flag parsing.
type Request struct {
	Capability string
	Name       string
	BeadID     string

	// SpecPath points at a task description file. When empty and a bead
	// is given, specs/{bead}.md is used if present.
	SpecPath string

	// Files optionally narrows the edit scope. It is advisory: the
	// overlay and beacon carry it, hooks do not enforce it.
	Files []string

	Parent string

	// Depth below the root of the hierarchy. Negative means derive:
	// parent depth + 1, or 0 without a parent.
	Depth int

	// ForceHierarchy bypasses the maxDepth gate.
	ForceHierarchy bool
}

// Result reports what the admit pipeline built.
type Result struct {
	SessionID    string           `json:"session_id"`
	AgentName    string           `json:"agent_name"`
	Capability   agent.Capability `json:"capability"`
	Model        string           `json:"model"`
	BeadID       string           `json:"bead_id,omitempty"`
	Branch       string           `json:"branch"`
	WorktreePath string           `json:"worktree_path"`
	TmuxSession  string           `json:"tmux_session"`
	Depth        int              `json:"depth"`
	Warnings     []string         `json:"warnings,omitempty"`
}

func (s *Scheduler) out() io.Writer {
	if s.Output == nil {
		return io.Discard
	}
	return s.Output
}

func (s *Scheduler) uid() int {
	if s.getuid != nil {
		return s.getuid()
	}
	return os.Getuid()
}

func (s *Scheduler) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if s.sleep != nil {
		s.sleep(d)
		return
	}
	time.Sleep(d)
}

// Sling runs the gates in order and, on admit, provisions the agent.
// Gate failures return a Validation error before any side effect.
func (s *Scheduler) Sling(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { telemetry.RecordSpawn(ctx, req.Capability, err) }()

	capability, err := agent.Parse(req.Capability)
	if err != nil {
		return nil, err
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	// Gate 1: the wrapped AI CLI refuses to run under uid 0.
	if s.uid() == 0 {
		return nil, errdefs.Validationf("refusing to sling as root: the agent CLI will not run under uid 0")
	}

	// Gate 2: a parent must be alive enough to supervise its child.
	parent, err := s.checkParent(req.Parent)
	if err != nil {
		return nil, err
	}

	// Gate 3: hierarchy depth.
	depth := req.Depth
	if depth < 0 {
		depth = 0
		if parent != nil {
			depth = parent.Depth + 1
		}
	}
	if depth > s.Config.Agents.MaxDepth && !req.ForceHierarchy {
		return nil, errdefs.Validationf(
			"depth %d exceeds agents.maxDepth %d", depth, s.Config.Agents.MaxDepth).
			WithHint("pass --force-hierarchy to spawn anyway")
	}

	// Gate 4: fleet size.
	active, err := s.Sessions.CountActive()
	if err != nil {
		return nil, err
	}
	if active >= s.Config.Agents.MaxConcurrent {
		return nil, errdefs.Validationf(
			"agent limit reached: %d of %d active (agents.maxConcurrent)",
			active, s.Config.Agents.MaxConcurrent)
	}

	// Gate 5: one live session per name. Terminal sessions are fine;
	// slinging the same name again revives the identity.
	if existing, ok, err := s.Sessions.GetByName(req.Name); err != nil {
		return nil, err
	} else if ok && existing.State.IsActive() {
		return nil, errdefs.Validationf(
			"agent %q is already %s; pick another name or wait for it to finish",
			req.Name, existing.State)
	}

	// Gate 6: the bead must accept work.
	if req.BeadID != "" && s.Beads != nil {
		if err := s.Beads.CheckWorkable(ctx, req.BeadID); err != nil {
			return nil, err
		}
	}

	// Resolve the task brief before any side effect so a bad --spec
	// path fails the request cleanly.
	brief, err := s.loadBrief(req)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if w := s.hierarchyAdvisory(parent, capability); w != "" {
		warnings = append(warnings, w)
		fmt.Fprintf(s.out(), "warning: %s\n", w)
	}

	res, err = s.admit(ctx, req, capability, depth, brief)
	if err != nil {
		return nil, err
	}
	res.Warnings = warnings
	return res, nil
}

func validateName(name string) error {
	if name == "" {
		return errdefs.Validationf("agent name is required")
	}
	if len(name) > maxNameLen {
		return errdefs.Validationf("agent name %q is too long (%d character limit)", name, maxNameLen)
	}
	if !nameRe.MatchString(name) {
		return errdefs.Validationf(
			"agent name %q must start with a letter and contain only letters, digits, hyphens and underscores", name)
	}
	return nil
}

// checkParent validates gate 2 and returns the parent session for
// depth derivation and the advisory check.
func (s *Scheduler) checkParent(name string) (*store.Session, error) {
	if name == "" {
		return nil, nil
	}
	sess, ok, err := s.Sessions.GetByName(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.Validationf("parent agent %q has no session", name)
	}
	if sess.State != store.StateBooting && sess.State != store.StateWorking {
		return nil, errdefs.Validationf(
			"parent %q is %s; only booting or working agents can spawn", name, sess.State)
	}
	return &sess, nil
}

// hierarchyAdvisory flags a lead that skips the scout step. Builders
// spawned before any scout tend to re-derive context the lead should
// have gathered first. Advisory only, never blocks.
func (s *Scheduler) hierarchyAdvisory(parent *store.Session, capability agent.Capability) string {
	if parent == nil || capability != agent.Builder || parent.Capability != string(agent.Lead) {
		return ""
	}
	all, err := s.Sessions.GetAll()
	if err != nil {
		return ""
	}
	for _, sess := range all {
		if sess.ParentAgent == parent.AgentName && sess.Capability == string(agent.Scout) {
			return ""
		}
	}
	return fmt.Sprintf("lead %q is spawning a builder without having spawned a scout first", parent.AgentName)
}

// loadBrief reads the task description. An explicit --spec path must
// exist; a missing per-bead spec file is fine.
func (s *Scheduler) loadBrief(req Request) (string, error) {
	if req.SpecPath != "" {
		data, err := os.ReadFile(req.SpecPath)
		if err != nil {
			return "", errdefs.Wrap(errdefs.KindValidation, err, "reading task spec")
		}
		return string(data), nil
	}
	if req.BeadID == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.Paths.SpecFile(req.BeadID))
	if err != nil {
		return "", nil
	}
	return string(data), nil
}

// resolveModel applies the precedence config.models[capability] >
// manifest default > package fallback.
func (s *Scheduler) resolveModel(capability agent.Capability) string {
	man, err := agent.LoadManifest(s.Paths.ManifestFile())
	if err != nil {
		man = agent.DefaultManifest()
	}
	return s.Config.ModelFor(string(capability), man.ModelFor(capability))
}
