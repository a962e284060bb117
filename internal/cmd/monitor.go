package cmd

import (
	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/watchdog"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	GroupID: GroupServices,
	Short:   "Run the tier 2 monitor agent",
	Long: `The monitor is a read-only agent that watches the fleet and mails
the supervisor when something looks wrong. The coordinator respawns
it automatically; these verbs manage it by hand.`,
	RunE: requireSubcommand,
}

func init() {
	monitorCmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the monitor agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return startSupervisory(cmd, agent.Monitor, watchdog.MonitorAgentName)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the monitor agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return stopSupervisory(cmd, watchdog.MonitorAgentName)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the monitor's state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return statusSupervisory(cmd, watchdog.MonitorAgentName)
			},
		},
	)
	rootCmd.AddCommand(monitorCmd)
}
