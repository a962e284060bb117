package cmd

import (
	"github.com/spf13/cobra"
)

var mailCmd = &cobra.Command{
	Use:     "mail",
	GroupID: GroupComm,
	Short:   "Send and read agent mail",
	Long: `Mail is how agents and the operator talk: durable messages with
types and priorities, group fanout, and markers that wake idle
recipients on their next prompt.`,
	RunE: requireSubcommand,
}

func init() {
	rootCmd.AddCommand(mailCmd)
}
