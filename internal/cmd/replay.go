package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var replayQuery queryFlags

var replayCmd = &cobra.Command{
	Use:     "replay",
	GroupID: GroupDiag,
	Short:   "Replay a run's event stream",
	Long: `Replay every event of a run in the order it happened, interleaving
all agents into one timeline. Defaults to the current run.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayQuery.register(replayCmd, 0)
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	filter, err := replayFilter(a, &replayQuery)
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}
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
		fmt.Fprintln(w, style.Dim.Render("No events in this run."))
		return nil
	}
	fmt.Fprintln(w, style.Bold.Render(fmt.Sprintf("Run %s", filter.RunID)))
	for _, v := range views {
		fmt.Fprintln(w, eventLine(v))
	}
	return nil
}

// replayFilter resolves the run to replay: --run wins, otherwise the
// current run marker.
func replayFilter(a *app, q *queryFlags) (store.EventFilter, error) {
	filter, err := q.filter(time.Now())
	if err != nil {
		return filter, err
	}
	if filter.RunID == "" {
		runID, err := a.Runs().CurrentRun()
		if err != nil {
			return filter, err
		}
		if runID == "" {
			return filter, errdefs.New(errdefs.KindValidation, "no current run").
				WithHint("pass --run <id>, or list runs with 'overstory run list'")
		}
		filter.RunID = runID
	}
	return filter, nil
}
