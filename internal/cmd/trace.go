package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var traceQuery queryFlags

var traceCmd = &cobra.Command{
	Use:     "trace <agent>",
	GroupID: GroupDiag,
	Short:   "Show an agent's tool call timeline",
	Long: `Show the tool calls one agent has made, oldest first, with the
duration of each completed call. Calls that have started but not yet
ended show a dash.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	traceQuery.registerCommon(traceCmd, 100)
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	traceQuery.agent = args[0]
	filter, err := traceQuery.filter(time.Now())
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}
	// The start row carries the duration once the end correlates, so the
	// start stream alone is the full timeline.
	filter.Type = store.EventToolStart
	filter.Descending = true
	list, err := events.List(filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		if jsonOut {
			return printJSON([]eventView{})
		}
		fmt.Fprintln(out(), style.Dim.Render(fmt.Sprintf("No tool calls recorded for %s.", args[0])))
		return nil
	}

	views := eventViews(list)
	for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
		views[i], views[j] = views[j], views[i]
	}
	if jsonOut {
		return printJSON(views)
	}

	w := out()
	var open int
	var totalMs int64
	for _, v := range views {
		duration := "-"
		if v.DurationMs >= 0 {
			duration = humanMs(v.DurationMs)
			totalMs += v.DurationMs
		} else {
			open++
		}
		line := fmt.Sprintf("%s  %-18s %8s  %s",
			style.Dim.Render(v.CreatedAt.Local().Format("15:04:05")),
			clip(v.Tool, 18),
			duration,
			style.Dim.Render(clip(v.Data, 60)))
		fmt.Fprintln(w, line)
	}
	summary := fmt.Sprintf("%d tool calls, %s total", len(views), humanMs(totalMs))
	if open > 0 {
		summary += fmt.Sprintf(", %d still running", open)
	}
	fmt.Fprintln(w, style.Dim.Render(summary))
	return nil
}
