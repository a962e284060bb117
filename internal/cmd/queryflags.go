package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
)

// queryFlags is the uniform option set shared by the event-log views
// (logs, trace, errors, replay, feed).
type queryFlags struct {
	agent string
	run   string
	since string
	until string
	limit int
}

func (q *queryFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&q.agent, "agent", "", "Only events from this agent")
	q.registerCommon(cmd, defaultLimit)
}

// registerCommon is for commands that take the agent positionally.
func (q *queryFlags) registerCommon(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&q.run, "run", "", "Only events from this run")
	cmd.Flags().StringVar(&q.since, "since", "", "Only events after this time (duration like 2h, or a date)")
	cmd.Flags().StringVar(&q.until, "until", "", "Only events before this time (duration like 2h, or a date)")
	cmd.Flags().IntVar(&q.limit, "limit", defaultLimit, "Maximum number of events")
}

func (q *queryFlags) filter(now time.Time) (store.EventFilter, error) {
	f := store.EventFilter{
		Agent: q.agent,
		RunID: q.run,
		Limit: q.limit,
	}
	if q.since != "" {
		t, err := parseTimeRef(q.since, now)
		if err != nil {
			return f, errdefs.Validationf("bad --since value %q: %v", q.since, err)
		}
		f.Since = t
	}
	if q.until != "" {
		t, err := parseTimeRef(q.until, now)
		if err != nil {
			return f, errdefs.Validationf("bad --until value %q: %v", q.until, err)
		}
		f.Until = t
	}
	return f, nil
}

// parseTimeRef accepts either a relative duration ("90s", "15m", "2h",
// meaning that long ago) or an absolute timestamp in RFC 3339 or plain
// date form.
func parseTimeRef(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errdefs.New(errdefs.KindValidation, "not a duration or timestamp")
}
