package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/style"
)

var logsQuery queryFlags

var logsCmd = &cobra.Command{
	Use:     "logs",
	GroupID: GroupDiag,
	Short:   "Show the event log",
	Long: `Show recent events from the event log in chronological order.

Events are everything agents and the control plane record: tool calls,
session lifecycle, mail traffic, spawns, and errors. Narrow the view
with --agent, --run, --since, and --until.`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	logsQuery.register(logsCmd, 50)
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	filter, err := logsQuery.filter(time.Now())
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}
	// Fetch the most recent N, then display oldest first.
	filter.Descending = true
	list, err := events.List(filter)
	if err != nil {
		return err
	}
	views := eventViews(list)
	for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
		views[i], views[j] = views[j], views[i]
	}

	if jsonOut {
		return printJSON(views)
	}
	w := out()
	if len(views) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No events recorded."))
		return nil
	}
	for _, v := range views {
		fmt.Fprintln(w, eventLine(v))
	}
	return nil
}
