package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/merge"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var mergeCmd = &cobra.Command{
	Use:     "merge",
	GroupID: GroupWork,
	Short:   "Resolve queued agent branches into the target",
	Long: `Merge integrates agent branches through the escalation tiers:
clean merge, content-wins, then the AI tiers when enabled.

With no flags the next pending entry is resolved. --all drains the
queue in FIFO order; --branch resolves one branch, queueing it first
if needed. An already-merged branch reports merged without touching
git.

Target resolution: --into, else session-branch.txt, else the canonical
branch.`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

var (
	mergeBranch string
	mergeAll    bool
	mergeInto   string
)

func init() {
	mergeCmd.Flags().StringVar(&mergeBranch, "branch", "", "Resolve this branch (ad-hoc entries welcome)")
	mergeCmd.Flags().BoolVar(&mergeAll, "all", false, "Drain every pending entry")
	mergeCmd.Flags().StringVar(&mergeInto, "into", "", "Override the merge target for this invocation")
	mergeCmd.MarkFlagsMutuallyExclusive("branch", "all")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.mergeEngine()
	if err != nil {
		return err
	}
	opts := merge.Options{Into: mergeInto}
	ctx := cmd.Context()

	var results []merge.Result
	switch {
	case mergeBranch != "":
		res, err := engine.Resolve(ctx, mergeBranch, opts)
		if err != nil {
			return err
		}
		results = append(results, res)
	case mergeAll:
		results, err = engine.ResolveAll(ctx, opts)
		if err != nil {
			return err
		}
	default:
		res, ok, err := engine.ResolveNext(ctx, opts)
		if err != nil {
			return err
		}
		if !ok {
			if jsonOut {
				return printJSON([]merge.Result{})
			}
			fmt.Fprintln(out(), "Merge queue empty.")
			return nil
		}
		results = append(results, res)
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		printMergeResults(out(), results)
	}

	for _, res := range results {
		if !res.Success {
			return NewSilentExit(1)
		}
	}
	return nil
}

func printMergeResults(w io.Writer, results []merge.Result) {
	for _, res := range results {
		if res.Success {
			fmt.Fprintf(w, "%s %s merged via %s\n", style.SuccessPrefix, res.Entry.BranchName, res.Tier)
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", style.ErrorPrefix, res.Entry.BranchName, res.Entry.Status)
		if res.ErrorMessage != "" {
			fmt.Fprintf(w, "  %s\n", style.Dim.Render(res.ErrorMessage))
		}
		for _, file := range res.ConflictFiles {
			fmt.Fprintf(w, "  conflict: %s\n", file)
		}
		if res.Entry.Status == store.MergeConflict {
			fmt.Fprintf(w, "  %s\n", style.Dim.Render("enable merge.aiResolveEnabled or resolve by hand and re-run"))
		}
	}
}
