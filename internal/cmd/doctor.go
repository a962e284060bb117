package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/doctor"
	"github.com/overstory-ai/overstory/internal/errdefs"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupDiag,
	Short:   "Check the project's health",
	Long: `Doctor runs read-only checks over the project: config validity, git
repository and canonical branch, tmux and provider binaries, bd and
mulch availability, store openability, orphaned worktrees, and WAL
sizes.

Exit code is 1 when any required check fails; advisory checks (bd,
mulch, orphans, WAL) only warn.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "resolving working directory")
	}
	root, err := config.FindRoot(cwd)
	if err != nil {
		return err
	}

	report := doctor.New().Run(cmd.Context(), doctor.NewEnv(root))

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		report.Print(out())
	}
	if report.Failed() {
		return NewSilentExit(1)
	}
	return nil
}
