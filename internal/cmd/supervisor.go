package cmd

import (
	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
)

// supervisorAgentName is the fixed session name for the supervisor.
const supervisorAgentName = "supervisor"

var supervisorCmd = &cobra.Command{
	Use:     "supervisor",
	GroupID: GroupServices,
	Short:   "Run the supervisor agent",
	Long: `The supervisor is a long-lived agent on the canonical branch that
delegates work: it reads mail, slings sub-agents for beads, and
shepherds their merges. One supervisor per project.`,
	RunE: requireSubcommand,
}

func init() {
	supervisorCmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the supervisor agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return startSupervisory(cmd, agent.Supervisor, supervisorAgentName)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the supervisor agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return stopSupervisory(cmd, supervisorAgentName)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the supervisor's state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return statusSupervisory(cmd, supervisorAgentName)
			},
		},
	)
	rootCmd.AddCommand(supervisorCmd)
}
