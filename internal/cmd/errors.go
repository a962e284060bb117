package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/style"
)

var errorsQuery queryFlags

var errorsCmd = &cobra.Command{
	Use:     "errors",
	GroupID: GroupDiag,
	Short:   "Show recent errors",
	Long:    `Show the most recent error events across all agents, newest first.`,
	Args:    cobra.NoArgs,
	RunE:    runErrors,
}

func init() {
	errorsQuery.register(errorsCmd, 20)
	rootCmd.AddCommand(errorsCmd)
}

func runErrors(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	filter, err := errorsQuery.filter(time.Now())
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}
	filter.Level = "error"
	filter.Descending = true
	list, err := events.List(filter)
	if err != nil {
		return err
	}
	views := eventViews(list)

	if jsonOut {
		return printJSON(views)
	}
	w := out()
	if len(views) == 0 {
		fmt.Fprintf(w, "%s No errors recorded.\n", style.SuccessPrefix)
		return nil
	}
	for _, v := range views {
		fmt.Fprintln(w, eventLine(v))
		if len(v.Data) > 80 {
			fmt.Fprintf(w, "          %s\n", style.Dim.Render(clip(v.Data, 200)))
		}
	}
	fmt.Fprintln(w, style.Dim.Render(fmt.Sprintf("%d error(s) shown", len(views))))
	return nil
}
