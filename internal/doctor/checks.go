package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/store"
)

// walWarnBytes is the WAL size past which a store has probably lost
// its checkpointer to a wedged reader.
const walWarnBytes = 16 << 20

type configCheck struct{}

func (c *configCheck) Name() string { return "config" }

func (c *configCheck) Run(ctx context.Context, env *Env) Result {
	if env.ConfigErr != nil {
		return Result{
			Status:  StatusError,
			Message: env.ConfigErr.Error(),
			FixHint: "fix .overstory/overstory.yaml or rerun `overstory init`",
		}
	}
	if err := env.Config.Validate(); err != nil {
		return Result{
			Status:  StatusError,
			Message: err.Error(),
			FixHint: "fix .overstory/overstory.yaml",
		}
	}
	if len(env.Config.Deprecations) > 0 {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("%d deprecated config key(s)", len(env.Config.Deprecations)),
			Details: env.Config.Deprecations,
			FixHint: "update .overstory/overstory.yaml to the current key names",
		}
	}
	return Result{Status: StatusOK, Message: fmt.Sprintf("project %q", env.Config.Project.Name)}
}

type gitRepoCheck struct{}

func (c *gitRepoCheck) Name() string { return "git-repo" }

func (c *gitRepoCheck) Run(ctx context.Context, env *Env) Result {
	if _, err := os.Stat(filepath.Join(env.Root, ".git")); err != nil {
		return Result{
			Status:  StatusError,
			Message: "not a git repository",
			FixHint: "agents work in git worktrees; run overstory inside a repository",
		}
	}

	g := git.New(env.Root)
	canonical := env.Config.Project.CanonicalBranch
	if !g.BranchExists(ctx, canonical) {
		return Result{
			Status:  StatusError,
			Message: fmt.Sprintf("canonical branch %q not found", canonical),
			FixHint: fmt.Sprintf("commit on %q or point project.canonicalBranch at the integration branch", canonical),
		}
	}

	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		branch = "detached HEAD"
	}
	return Result{Status: StatusOK, Message: fmt.Sprintf("on %s, merging into %s", branch, canonical)}
}

type tmuxCheck struct{}

func (c *tmuxCheck) Name() string { return "tmux" }

func (c *tmuxCheck) Run(ctx context.Context, env *Env) Result {
	path, err := env.lookPath("tmux")
	if err != nil {
		return Result{
			Status:  StatusError,
			Message: "tmux not found on PATH",
			FixHint: "install tmux; agent panes cannot exist without it",
		}
	}

	sessions, err := env.Tmux.ListProjectSessions(ctx, env.Config.Project.Name)
	if err != nil {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("tmux at %s, but the server is unreachable", path),
			Details: []string{err.Error()},
		}
	}
	return Result{Status: StatusOK, Message: fmt.Sprintf("%s, %d project session(s)", path, len(sessions))}
}

type providerCheck struct{}

func (c *providerCheck) Name() string { return "provider-cli" }

func (c *providerCheck) Run(ctx context.Context, env *Env) Result {
	p, err := provider.New("", env.Config)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	binary, err := env.lookPath(p.Binary())
	if err != nil {
		return Result{
			Status:  StatusError,
			Message: fmt.Sprintf("%s not found", p.Binary()),
			FixHint: "install the agent CLI; nothing can spawn without it",
		}
	}

	res := Result{Status: StatusOK, Message: binary}
	names := make([]string, 0, len(env.Config.Providers))
	for name := range env.Config.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pc := env.Config.Providers[name]
		np, err := provider.New(name, env.Config)
		if err != nil {
			continue
		}
		line := np.Describe()
		if pc.AuthTokenEnv != "" && env.getenv(pc.AuthTokenEnv) == "" {
			res.Status = StatusWarning
			res.FixHint = "export the missing token or agents on that provider will fail auth"
			line += fmt.Sprintf(" (%s unset)", pc.AuthTokenEnv)
		}
		res.Details = append(res.Details, line)
	}
	if res.Status == StatusWarning {
		res.Message = binary + ", provider token missing"
	}
	return res
}

type beadsCheck struct{}

func (c *beadsCheck) Name() string { return "beads-cli" }

func (c *beadsCheck) Run(ctx context.Context, env *Env) Result {
	if !env.Config.Beads.Enabled {
		return Result{Status: StatusOK, Message: "disabled in config"}
	}
	path, err := env.lookPath("bd")
	if err != nil {
		return Result{
			Status:  StatusWarning,
			Message: "bd not found, bead gates are skipped",
			FixHint: "install beads or set beads.enabled: false",
		}
	}
	return Result{Status: StatusOK, Message: path}
}

type mulchCheck struct{}

func (c *mulchCheck) Name() string { return "mulch-cli" }

func (c *mulchCheck) Run(ctx context.Context, env *Env) Result {
	if !env.Config.Mulch.Enabled {
		return Result{Status: StatusOK, Message: "disabled in config"}
	}
	path, err := env.lookPath("mulch")
	if err != nil {
		return Result{
			Status:  StatusWarning,
			Message: "mulch not found, agents prime without expertise",
			FixHint: "install mulch or set mulch.enabled: false",
		}
	}
	return Result{Status: StatusOK, Message: path}
}

// storeProbes lists every database with its opener. Missing files are
// fine (stores are created on first use); existing ones must open.
func storeProbes(env *Env) []struct {
	name string
	path string
	open func(string) (io.Closer, error)
} {
	return []struct {
		name string
		path string
		open func(string) (io.Closer, error)
	}{
		{"sessions", env.Paths.SessionsDB(), func(p string) (io.Closer, error) { return store.OpenSessionStore(p, "") }},
		{"events", env.Paths.EventsDB(), func(p string) (io.Closer, error) { return store.OpenEventStore(p) }},
		{"mail", env.Paths.MailDB(), func(p string) (io.Closer, error) { return store.OpenMailStore(p) }},
		{"metrics", env.Paths.MetricsDB(), func(p string) (io.Closer, error) { return store.OpenMetricsStore(p) }},
		{"merge-queue", env.Paths.MergeQueueDB(), func(p string) (io.Closer, error) { return store.OpenMergeQueue(p) }},
	}
}

type storesCheck struct{}

func (c *storesCheck) Name() string { return "stores" }

func (c *storesCheck) Run(ctx context.Context, env *Env) Result {
	var opened, missing int
	var broken []string
	for _, probe := range storeProbes(env) {
		if _, err := os.Stat(probe.path); err != nil {
			missing++
			continue
		}
		db, err := probe.open(probe.path)
		if err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", probe.name, err))
			continue
		}
		db.Close()
		opened++
	}

	if len(broken) > 0 {
		return Result{
			Status:  StatusError,
			Message: fmt.Sprintf("%d store(s) unopenable", len(broken)),
			Details: broken,
			FixHint: "a corrupt store must be moved aside; sessions can be rebuilt from events",
		}
	}
	if opened == 0 {
		return Result{Status: StatusOK, Message: "no stores created yet"}
	}
	return Result{Status: StatusOK, Message: fmt.Sprintf("%d store(s) openable", opened)}
}

type worktreesCheck struct{}

func (c *worktreesCheck) Name() string { return "worktrees" }

func (c *worktreesCheck) Run(ctx context.Context, env *Env) Result {
	entries, err := os.ReadDir(env.Paths.WorktreesDir())
	if err != nil {
		return Result{Status: StatusOK, Message: "no worktrees"}
	}

	active := map[string]bool{}
	if _, err := os.Stat(env.Paths.SessionsDB()); err == nil {
		if sessions, err := store.OpenSessionStore(env.Paths.SessionsDB(), ""); err == nil {
			if rows, err := sessions.GetActive(); err == nil {
				for _, row := range rows {
					active[row.AgentName] = true
				}
			}
			sessions.Close()
		}
	}

	var total int
	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		total++
		if !active[entry.Name()] {
			orphans = append(orphans, entry.Name())
		}
	}

	if len(orphans) > 0 {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("%d orphaned worktree(s)", len(orphans)),
			Details: orphans,
			FixHint: "run `overstory clean` to remove worktrees with no live session",
		}
	}
	return Result{Status: StatusOK, Message: fmt.Sprintf("%d worktree(s), all owned", total)}
}

type walCheck struct{}

func (c *walCheck) Name() string { return "wal-size" }

func (c *walCheck) Run(ctx context.Context, env *Env) Result {
	var oversized []string
	for _, probe := range storeProbes(env) {
		info, err := os.Stat(probe.path + "-wal")
		if err != nil {
			continue
		}
		if info.Size() > walWarnBytes {
			oversized = append(oversized, fmt.Sprintf("%s-wal at %s", probe.name, humanBytes(info.Size())))
		}
	}
	if len(oversized) > 0 {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("%d write-ahead log(s) oversized", len(oversized)),
			Details: oversized,
			FixHint: "a long-lived reader is pinning the log; close stray processes",
		}
	}
	return Result{Status: StatusOK, Message: "write-ahead logs healthy"}
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
