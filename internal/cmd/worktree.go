package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var worktreeCleanForce bool

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	GroupID: GroupWorkspace,
	Short:   "Inspect and clean agent worktrees",
	RunE:    requireSubcommand,
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worktrees and their owners",
	Args:  cobra.NoArgs,
	RunE:  runWorktreeList,
}

var worktreeCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned worktrees",
	Long: `Remove agent worktrees whose session is gone or terminal, then prune
stale git bookkeeping. Dirty worktrees are skipped unless --force.`,
	Args: cobra.NoArgs,
	RunE: runWorktreeClean,
}

func init() {
	worktreeCleanCmd.Flags().BoolVar(&worktreeCleanForce, "force", false, "Remove dirty worktrees too")
	worktreeCmd.AddCommand(worktreeListCmd, worktreeCleanCmd)
	rootCmd.AddCommand(worktreeCmd)
}

type worktreeView struct {
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	Agent    string `json:"agent,omitempty"`
	State    string `json:"state,omitempty"`
	Orphaned bool   `json:"orphaned"`
}

// collectWorktrees joins the git inventory with session rows. Only
// trees under the managed worktrees directory can be orphans; the
// primary checkout is never one.
func collectWorktrees(ctx context.Context, a *app) ([]worktreeView, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	all, err := sessions.GetAll()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]store.Session, len(all))
	for _, sess := range all {
		if sess.WorktreePath != "" {
			byPath[sess.WorktreePath] = sess
		}
	}

	trees, err := a.Git().WorktreeList(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]worktreeView, 0, len(trees))
	for _, wt := range trees {
		v := worktreeView{Path: wt.Path, Branch: wt.Branch}
		if sess, ok := byPath[wt.Path]; ok {
			v.Agent = sess.AgentName
			v.State = string(sess.State)
			v.Orphaned = sess.State.IsTerminal() && managed(a, wt.Path)
		} else {
			v.Orphaned = managed(a, wt.Path)
		}
		views = append(views, v)
	}
	return views, nil
}

func managed(a *app, path string) bool {
	return strings.HasPrefix(path, a.Paths.WorktreesDir())
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	views, err := collectWorktrees(cmd.Context(), a)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(views)
	}
	w := out()
	t := style.NewTable(
		style.Column{Name: "PATH", Width: 40},
		style.Column{Name: "BRANCH", Width: 24},
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "STATE", Width: 10},
	)
	orphans := 0
	for _, v := range views {
		state := v.State
		if v.Orphaned {
			state = style.Red.Render("orphaned")
			orphans++
		} else if state != "" {
			state = style.StateStyle(v.State).Render(v.State)
		}
		t.AddRow(clip(v.Path, 40), clip(orDash(v.Branch), 24), orDash(v.Agent), orDash(state))
	}
	fmt.Fprint(w, t.Render())
	if orphans > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, style.Dim.Render(fmt.Sprintf("%d orphaned; remove with: overstory worktree clean", orphans)))
	}
	return nil
}

func runWorktreeClean(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	views, err := collectWorktrees(ctx, a)
	if err != nil {
		return err
	}
	g := a.Git()
	w := out()
	removed := 0
	for _, v := range views {
		if !v.Orphaned {
			continue
		}
		if err := g.WorktreeRemove(ctx, v.Path, worktreeCleanForce); err != nil {
			style.PrintWarning("%s: %v", v.Path, err)
			continue
		}
		removed++
		fmt.Fprintf(w, "%s Removed %s\n", style.SuccessPrefix, v.Path)
	}
	if err := g.WorktreePrune(ctx); err != nil {
		return err
	}
	if removed == 0 {
		fmt.Fprintln(w, "Nothing to clean.")
	}
	return nil
}
