package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	mailPurgeAll       bool
	mailPurgeOlderThan time.Duration
	mailPurgeAgent     string
)

var mailPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete messages",
	Long: `Delete messages from the mail store. Scope the purge with --all,
--older-than, or --agent; at least one is required.`,
	Args: cobra.NoArgs,
	RunE: runMailPurge,
}

func init() {
	mailPurgeCmd.Flags().BoolVar(&mailPurgeAll, "all", false, "Delete every message")
	mailPurgeCmd.Flags().DurationVar(&mailPurgeOlderThan, "older-than", 0, "Delete messages older than this (for example 72h)")
	mailPurgeCmd.Flags().StringVar(&mailPurgeAgent, "agent", "", "Delete messages to or from this agent")
	mailCmd.AddCommand(mailPurgeCmd)
}

func runMailPurge(cmd *cobra.Command, args []string) error {
	if !mailPurgeAll && mailPurgeOlderThan == 0 && mailPurgeAgent == "" {
		return errdefs.Validationf("purge needs a scope").
			WithHint("pass --all, --older-than <duration>, or --agent <name>")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	broker, err := a.broker()
	if err != nil {
		return err
	}
	n, err := broker.Purge(store.PurgeOpts{
		All:       mailPurgeAll,
		OlderThan: mailPurgeOlderThan,
		Agent:     mailPurgeAgent,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(struct {
			Purged int64 `json:"purged"`
		}{n})
	}
	fmt.Fprintf(out(), "%s Purged %d message(s)\n", style.SuccessPrefix, n)
	return nil
}
