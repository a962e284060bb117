package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/sling"
	"github.com/overstory-ai/overstory/internal/style"
)

var slingCmd = &cobra.Command{
	Use:     "sling",
	GroupID: GroupWork,
	Short:   "Spawn an agent bound to a task",
	Long: `Sling admits an agent through the scheduling gates and provisions it:
identity record, dedicated worktree and branch (workers), deployed
hooks, and a tmux pane running the AI CLI.

The branch is overstory/{name}/{bead} and the pane is
overstory-{project}-{name}. Supervisory capabilities (supervisor,
coordinator, monitor) run in the primary checkout instead.

Examples:
  overstory sling --name moss --bead ov-12
  overstory sling --capability scout --name fern --parent canopy
  overstory sling --name sable --bead ov-9 --files "internal/merge/..."`,
	Args: cobra.NoArgs,
	RunE: runSling,
}

var (
	slingCapability     string
	slingName           string
	slingBead           string
	slingSpec           string
	slingFiles          []string
	slingParent         string
	slingDepth          int
	slingForceHierarchy bool
)

func init() {
	slingCmd.Flags().StringVarP(&slingCapability, "capability", "c", "builder", "Agent capability (scout|builder|reviewer|lead|merger|supervisor|coordinator|monitor)")
	slingCmd.Flags().StringVarP(&slingName, "name", "n", "", "Agent name (required)")
	slingCmd.Flags().StringVarP(&slingBead, "bead", "b", "", "Bead id to bind the task to")
	slingCmd.Flags().StringVar(&slingSpec, "spec", "", "Task brief path (defaults to specs/{bead}.md when present)")
	slingCmd.Flags().StringSliceVar(&slingFiles, "files", nil, "Advisory edit-scope patterns")
	slingCmd.Flags().StringVar(&slingParent, "parent", "", "Supervising agent name")
	slingCmd.Flags().IntVar(&slingDepth, "depth", -1, "Hierarchy depth (negative derives from the parent)")
	slingCmd.Flags().BoolVar(&slingForceHierarchy, "force-hierarchy", false, "Bypass the agents.maxDepth gate")
	_ = slingCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(slingCmd)
}

func runSling(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := a.scheduler()
	if err != nil {
		return err
	}

	res, err := scheduler.Sling(cmd.Context(), sling.Request{
		Capability:     slingCapability,
		Name:           slingName,
		BeadID:         slingBead,
		SpecPath:       slingSpec,
		Files:          slingFiles,
		Parent:         slingParent,
		Depth:          slingDepth,
		ForceHierarchy: slingForceHierarchy,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}

	w := out()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s Slung %s (%s, model %s)\n", style.SuccessPrefix, res.AgentName, res.Capability, res.Model)
	if res.BeadID != "" {
		fmt.Fprintf(w, "  bead      %s\n", res.BeadID)
	}
	fmt.Fprintf(w, "  branch    %s\n", res.Branch)
	fmt.Fprintf(w, "  worktree  %s\n", res.WorktreePath)
	fmt.Fprintf(w, "  pane      %s\n", res.TmuxSession)
	fmt.Fprintf(w, "\nAttach with: tmux attach -t %s\n", res.TmuxSession)
	return nil
}
