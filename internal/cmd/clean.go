package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/tmux"
)

var cleanCmd = &cobra.Command{
	Use:     "clean",
	GroupID: GroupWork,
	Short:   "Reclaim finished sessions",
	Long: `Clean tears down completed and zombie sessions: the tmux pane, the
worktree, the branch (once merged), pending nudge markers, and the
session row. Identities survive; slinging the same name revives them.

Live sessions are only touched with --force, which kills the pane
first and removes the worktree even with uncommitted changes.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	cleanAgent   string
	cleanAll     bool
	cleanZombies bool
	cleanForce   bool
)

func init() {
	cleanCmd.Flags().StringVar(&cleanAgent, "agent", "", "Clean just this agent")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Clean every terminal session (every session with --force)")
	cleanCmd.Flags().BoolVar(&cleanZombies, "zombies", false, "Clean only zombie sessions")
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "Also kill live sessions and drop unmerged work")
	cleanCmd.MarkFlagsMutuallyExclusive("agent", "all", "zombies")
	rootCmd.AddCommand(cleanCmd)
}

// cleanedSession reports what clean did for one agent.
type cleanedSession struct {
	Agent           string `json:"agent"`
	State           string `json:"state"`
	KilledPane      bool   `json:"killed_pane,omitempty"`
	RemovedWorktree bool   `json:"removed_worktree,omitempty"`
	DeletedBranch   bool   `json:"deleted_branch,omitempty"`
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}

	targets, err := cleanTargets(sessions)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		if jsonOut {
			return printJSON([]cleanedSession{})
		}
		fmt.Fprintln(out(), "Nothing to clean.")
		return nil
	}

	ctx := cmd.Context()
	t := tmux.New()
	var cleaned []cleanedSession
	for _, sess := range targets {
		res, err := cleanOne(ctx, a, t, sess)
		if err != nil {
			// One stuck worktree must not strand the rest.
			style.PrintWarning("cleaning %s: %v", sess.AgentName, err)
			continue
		}
		cleaned = append(cleaned, res)
		if !jsonOut {
			fmt.Fprintf(out(), "%s %s %s\n", style.SuccessPrefix, res.Agent, cleanSummary(res))
		}
	}
	_ = a.Git().WorktreePrune(ctx)

	if jsonOut {
		return printJSON(cleaned)
	}
	if len(cleaned) == 0 {
		return NewSilentExit(1)
	}
	return nil
}

// cleanTargets selects sessions per the flags. Explicit --agent may
// name a live session only together with --force.
func cleanTargets(sessions *store.SessionStore) ([]store.Session, error) {
	if cleanAgent != "" {
		sess, ok, err := sessions.GetByName(cleanAgent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errdefs.Agentf("no session for agent %q", cleanAgent)
		}
		if sess.State.IsActive() && !cleanForce {
			return nil, errdefs.Validationf(
				"agent %q is %s; pass --force to kill it", cleanAgent, sess.State)
		}
		return []store.Session{sess}, nil
	}

	all, err := sessions.GetAll()
	if err != nil {
		return nil, err
	}
	var targets []store.Session
	for _, sess := range all {
		switch {
		case cleanZombies:
			if sess.State == store.StateZombie {
				targets = append(targets, sess)
			}
		case sess.State.IsTerminal():
			targets = append(targets, sess)
		case cleanAll && cleanForce:
			targets = append(targets, sess)
		}
	}
	return targets, nil
}

func cleanOne(ctx context.Context, a *app, t *tmux.Tmux, sess store.Session) (cleanedSession, error) {
	res := cleanedSession{Agent: sess.AgentName, State: string(sess.State)}
	g := a.Git()

	if sess.TmuxSession != "" {
		if has, _ := t.HasSession(ctx, sess.TmuxSession); has {
			if err := t.KillSession(ctx, sess.TmuxSession); err != nil {
				return res, err
			}
			res.KilledPane = true
		}
	}

	// Only worktrees under our own directory are removable; supervisory
	// sessions point at the primary checkout.
	if sess.WorktreePath != "" && strings.HasPrefix(sess.WorktreePath, a.Paths.WorktreesDir()) {
		if _, err := os.Stat(sess.WorktreePath); err == nil {
			if err := g.WorktreeRemove(ctx, sess.WorktreePath, cleanForce); err != nil {
				return res, err
			}
			res.RemovedWorktree = true
		}
	}

	if sess.BranchName != "" && sess.BranchName != a.Config.Project.CanonicalBranch && g.BranchExists(ctx, sess.BranchName) {
		merged := g.IsAncestor(ctx, sess.BranchName, a.Config.Project.CanonicalBranch)
		if merged || cleanForce {
			if err := g.DeleteBranch(ctx, sess.BranchName, !merged); err == nil {
				res.DeletedBranch = true
			}
		}
	}

	_ = os.Remove(a.Paths.PendingNudgeFile(sess.AgentName))

	sessions, err := a.Sessions()
	if err != nil {
		return res, err
	}
	if err := sessions.Delete(sess.AgentName); err != nil {
		return res, err
	}
	return res, nil
}

func cleanSummary(res cleanedSession) string {
	var parts []string
	if res.KilledPane {
		parts = append(parts, "pane killed")
	}
	if res.RemovedWorktree {
		parts = append(parts, "worktree removed")
	}
	if res.DeletedBranch {
		parts = append(parts, "branch deleted")
	}
	if len(parts) == 0 {
		return style.Dim.Render("(row cleared)")
	}
	return style.Dim.Render("(" + strings.Join(parts, ", ") + ")")
}
