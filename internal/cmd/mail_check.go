package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	mailCheckInject   bool
	mailCheckDebounce int
	mailCheckAgent    string
)

var mailCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for unread mail",
	Long: `Check an agent's unread mail. The plain form lists what is waiting
and exits 1 when the mailbox is empty, so scripts can branch on it.

--inject prints a prompt-injection block, consumes the pending-nudge
marker, and marks the delivered mail read. Hooks call this form on
every prompt with a debounce window.`,
	Args: cobra.NoArgs,
	RunE: runMailCheck,
}

func init() {
	mailCheckCmd.Flags().BoolVar(&mailCheckInject, "inject", false, "Emit a prompt-injection block and mark mail read")
	mailCheckCmd.Flags().IntVar(&mailCheckDebounce, "debounce", 0, "Suppress repeat checks within this many milliseconds")
	mailCheckCmd.Flags().StringVar(&mailCheckAgent, "agent", "", "Agent to check (defaults to the calling agent)")
	mailCmd.AddCommand(mailCheckCmd)
}

func runMailCheck(cmd *cobra.Command, args []string) error {
	agent := mailCheckAgent
	if agent == "" {
		agent = os.Getenv(agentEnvVar)
	}
	if agent == "" {
		return errdefs.Validationf("no agent to check: pass --agent or run inside an agent pane")
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

	if mailCheckInject {
		block, err := broker.CheckInject(agent, time.Duration(mailCheckDebounce)*time.Millisecond)
		if err != nil {
			return err
		}
		if block != "" {
			fmt.Fprintln(os.Stdout, block)
		}
		return nil
	}

	msgs, err := broker.Check(agent)
	if err != nil {
		return err
	}
	if jsonOut {
		if err := printJSON(msgs); err != nil {
			return err
		}
		if len(msgs) == 0 {
			return NewSilentExit(1)
		}
		return nil
	}

	w := out()
	if len(msgs) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No unread mail."))
		return NewSilentExit(1)
	}
	fmt.Fprintf(w, "%s %d unread message(s) for %s\n", style.SuccessPrefix, len(msgs), agent)
	for _, m := range msgs {
		fmt.Fprintf(w, "  [%s] from %s (%s, %s): %s\n", m.ID, m.From, m.Priority, m.Type, m.Subject)
	}
	fmt.Fprintln(w, style.Dim.Render("Read one with: overstory mail read <id>"))
	return nil
}
