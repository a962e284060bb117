package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	specWriteBead  string
	specWriteForce bool
)

var specCmd = &cobra.Command{
	Use:     "spec",
	GroupID: GroupWork,
	Short:   "Manage task briefs",
	RunE:    requireSubcommand,
}

var specWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Scaffold a task brief for a bead",
	Long: `Write a task brief skeleton to specs/{bead}.md. When the issue
tracker is available the bead's title and description are filled in;
otherwise the sections are left for the operator to complete. Sling
picks the brief up automatically when an agent is bound to the bead.`,
	Args: cobra.NoArgs,
	RunE: runSpecWrite,
}

func init() {
	specWriteCmd.Flags().StringVarP(&specWriteBead, "bead", "b", "", "Bead to write the brief for")
	specWriteCmd.Flags().BoolVar(&specWriteForce, "force", false, "Overwrite an existing brief")
	_ = specWriteCmd.MarkFlagRequired("bead")
	specCmd.AddCommand(specWriteCmd)
	rootCmd.AddCommand(specCmd)
}

func runSpecWrite(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path := a.Paths.SpecFile(specWriteBead)
	if _, err := os.Stat(path); err == nil && !specWriteForce {
		return errdefs.Validationf("brief already exists: %s", path).
			WithHint("pass --force to overwrite it")
	}

	title := specWriteBead
	description := ""
	if bead, err := a.Beads().Show(cmd.Context(), specWriteBead); err == nil {
		if bead.Title != "" {
			title = bead.Title
		}
		description = strings.TrimSpace(bead.Description)
	}

	if err := os.MkdirAll(a.Paths.SpecsDir(), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, "creating specs directory")
	}
	brief := specTemplate(specWriteBead, title, description, time.Now())
	if err := os.WriteFile(path, []byte(brief), 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, "writing brief")
	}

	if jsonOut {
		return printJSON(struct {
			Bead string `json:"bead"`
			Path string `json:"path"`
		}{specWriteBead, path})
	}
	fmt.Fprintf(out(), "%s Wrote %s\n", style.SuccessPrefix, path)
	fmt.Fprintf(out(), "  Edit the brief, then: overstory sling --name <agent> --bead %s\n", specWriteBead)
	return nil
}

func specTemplate(bead, title, description string, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "Bead: %s\n", bead)
	fmt.Fprintf(&sb, "Written: %s\n\n", now.Format("2006-01-02"))
	sb.WriteString("## Objective\n\n")
	if description != "" {
		sb.WriteString(description)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("Describe what done looks like in one or two sentences.\n\n")
	}
	sb.WriteString("## Scope\n\n- Files or packages the agent should touch.\n\n")
	sb.WriteString("## Out of scope\n\n- Anything the agent must leave alone.\n\n")
	sb.WriteString("## Acceptance\n\n- How the work is verified before merge.\n")
	return sb.String()
}
