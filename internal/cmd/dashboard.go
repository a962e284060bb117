package cmd

import (
	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/dashboard"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/style"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: GroupServices,
	Short:   "Live terminal dashboard of the fleet",
	Long: `Dashboard runs a full-screen terminal view: active sessions with
state colors, the mail ticker, and the merge queue, refreshing every
two seconds. Quit with q or Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	if !style.IsTerminal() {
		return errdefs.Validationf("dashboard needs a terminal; use 'overstory status --json' in scripts")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.sources()
	if err != nil {
		return err
	}
	return dashboard.Run(sources)
}
