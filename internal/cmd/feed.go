package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	feedQuery    queryFlags
	feedFollow   bool
	feedInterval time.Duration
)

var feedCmd = &cobra.Command{
	Use:     "feed",
	GroupID: GroupDiag,
	Short:   "Stream the run's event feed",
	Long: `Print the current run's event timeline. With --follow, keep polling
and print new events as agents record them, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runFeed,
}

func init() {
	feedQuery.register(feedCmd, 0)
	feedCmd.Flags().BoolVarP(&feedFollow, "follow", "f", false, "Keep polling for new events")
	feedCmd.Flags().DurationVar(&feedInterval, "interval", 2*time.Second, "Poll interval with --follow")
	rootCmd.AddCommand(feedCmd)
}

func runFeed(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	filter, err := replayFilter(a, &feedQuery)
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

	if jsonOut && !feedFollow {
		return printJSON(eventViews(list))
	}

	w := out()
	var lastID int64
	var lastAt time.Time
	for _, v := range eventViews(list) {
		fmt.Fprintln(w, eventLine(v))
		lastID = v.ID
		lastAt = v.CreatedAt
	}
	if !feedFollow {
		if len(list) == 0 {
			fmt.Fprintln(w, style.Dim.Render("No events in this run."))
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(w, style.Dim.Render("Following... (Ctrl+C to stop)"))
	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lastID, lastAt, err = feedPoll(events, filter, lastID, lastAt, w)
			if err != nil {
				return err
			}
		}
	}
}

// feedPoll fetches events newer than the last one printed. The Since
// filter overlaps by a second so nothing lands between ticks; the ID
// check drops the overlap.
func feedPoll(events *store.EventStore, filter store.EventFilter, lastID int64, lastAt time.Time, w io.Writer) (int64, time.Time, error) {
	f := filter
	f.Limit = 0
	if !lastAt.IsZero() {
		f.Since = lastAt.Add(-time.Second)
	}
	fresh, err := events.List(f)
	if err != nil {
		return lastID, lastAt, err
	}
	for _, v := range eventViews(fresh) {
		if v.ID <= lastID {
			continue
		}
		fmt.Fprintln(w, eventLine(v))
		lastID = v.ID
		lastAt = v.CreatedAt
	}
	return lastID, lastAt, nil
}
