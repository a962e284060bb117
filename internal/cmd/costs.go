package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	costsLive bool
	costsSelf bool
	costsRun  string
)

var costsCmd = &cobra.Command{
	Use:     "costs",
	GroupID: GroupDiag,
	Short:   "Show token spend per agent",
	Long: `Show estimated spend aggregated from recorded session metrics.

--live joins the latest token snapshots with active sessions and
computes the fleet burn rate. --self shows the calling agent's own
history and is meant for use inside a pane.`,
	Args: cobra.NoArgs,
	RunE: runCosts,
}

func init() {
	costsCmd.Flags().BoolVar(&costsLive, "live", false, "Show active sessions and burn rate")
	costsCmd.Flags().BoolVar(&costsSelf, "self", false, "Show only the calling agent's sessions")
	costsCmd.Flags().StringVar(&costsRun, "run", "", "Only sessions from this run")
	costsCmd.MarkFlagsMutuallyExclusive("live", "self")
	rootCmd.AddCommand(costsCmd)
}

// costRow aggregates an agent's completed sessions.
type costRow struct {
	Agent        string  `json:"agent"`
	Sessions     int     `json:"sessions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheTokens  int64   `json:"cache_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	AvgMs        int64   `json:"avg_duration_ms"`
}

// liveCostRow is one active session joined with its latest snapshot.
type liveCostRow struct {
	Agent        string    `json:"agent"`
	State        string    `json:"state"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	RecordedAt   time.Time `json:"recorded_at,omitempty"`
}

func runCosts(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if costsLive {
		return runCostsLive(a)
	}

	metrics, err := a.Metrics()
	if err != nil {
		return err
	}
	var sessions []store.SessionMetrics
	switch {
	case costsSelf:
		agent := os.Getenv(agentEnvVar)
		if agent == "" {
			return errdefs.Validationf("%s is not set; --self only works inside an agent pane", agentEnvVar)
		}
		sessions, err = metrics.SessionsByAgent(agent)
	case costsRun != "":
		sessions, err = metrics.SessionsByRun(costsRun)
	default:
		sessions, err = metrics.RecentSessions(500)
	}
	if err != nil {
		return err
	}

	rows := aggregateCosts(sessions)
	if jsonOut {
		return printJSON(rows)
	}

	w := out()
	if len(rows) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No session metrics recorded yet."))
		return nil
	}
	t := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "SESSIONS", Width: 8, Align: style.AlignRight},
		style.Column{Name: "IN", Width: 8, Align: style.AlignRight},
		style.Column{Name: "OUT", Width: 8, Align: style.AlignRight},
		style.Column{Name: "CACHE", Width: 8, Align: style.AlignRight},
		style.Column{Name: "AVG", Width: 7, Align: style.AlignRight},
		style.Column{Name: "COST", Width: 9, Align: style.AlignRight},
	)
	var total float64
	for _, r := range rows {
		total += r.CostUSD
		t.AddRow(
			r.Agent,
			fmt.Sprintf("%d", r.Sessions),
			formatTokens(r.InputTokens),
			formatTokens(r.OutputTokens),
			formatTokens(r.CacheTokens),
			humanMs(r.AvgMs),
			formatCost(r.CostUSD),
		)
	}
	fmt.Fprint(w, t.Render())
	fmt.Fprintln(w)
	fmt.Fprintln(w, style.Bold.Render(fmt.Sprintf("Total: %s", formatCost(total))))
	return nil
}

func aggregateCosts(sessions []store.SessionMetrics) []costRow {
	byAgent := make(map[string]*costRow)
	for _, s := range sessions {
		r, ok := byAgent[s.AgentName]
		if !ok {
			r = &costRow{Agent: s.AgentName}
			byAgent[s.AgentName] = r
		}
		r.Sessions++
		r.InputTokens += s.InputTokens
		r.OutputTokens += s.OutputTokens
		r.CacheTokens += s.CacheReadTokens + s.CacheCreationTokens
		r.CostUSD += s.EstimatedCostUSD
		r.AvgMs += s.DurationMs
	}
	rows := make([]costRow, 0, len(byAgent))
	for _, r := range byAgent {
		if r.Sessions > 0 {
			r.AvgMs /= int64(r.Sessions)
		}
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CostUSD > rows[j].CostUSD })
	return rows
}

func runCostsLive(a *app) error {
	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	active, err := sessions.GetActive()
	if err != nil {
		return err
	}
	metrics, err := a.Metrics()
	if err != nil {
		return err
	}
	snapshots, err := metrics.LatestSnapshots()
	if err != nil {
		return err
	}
	byAgent := make(map[string]store.MetricsSnapshot, len(snapshots))
	for _, s := range snapshots {
		byAgent[s.AgentName] = s
	}

	now := time.Now()
	rows := make([]liveCostRow, 0, len(active))
	for _, sess := range active {
		row := liveCostRow{
			Agent:     sess.AgentName,
			State:     string(sess.State),
			ElapsedMs: now.Sub(sess.StartedAt).Milliseconds(),
		}
		if snap, ok := byAgent[sess.AgentName]; ok {
			row.InputTokens = snap.InputTokens
			row.OutputTokens = snap.OutputTokens
			row.CostUSD = snap.EstimatedCostUSD
			row.RecordedAt = snap.RecordedAt
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return printJSON(struct {
			Sessions      []liveCostRow `json:"sessions"`
			TotalCostUSD  float64       `json:"total_cost_usd"`
			BurnPerMinute float64       `json:"burn_per_minute_usd"`
		}{rows, liveTotal(rows), burnRate(rows, now)})
	}

	w := out()
	if len(rows) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No active sessions."))
		return nil
	}
	t := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "STATE", Width: 10},
		style.Column{Name: "ELAPSED", Width: 8, Align: style.AlignRight},
		style.Column{Name: "IN", Width: 8, Align: style.AlignRight},
		style.Column{Name: "OUT", Width: 8, Align: style.AlignRight},
		style.Column{Name: "COST", Width: 9, Align: style.AlignRight},
	)
	for _, r := range rows {
		t.AddRow(
			r.Agent,
			style.StateStyle(r.State).Render(r.State),
			humanMs(r.ElapsedMs),
			formatTokens(r.InputTokens),
			formatTokens(r.OutputTokens),
			formatCost(r.CostUSD),
		)
	}
	fmt.Fprint(w, t.Render())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s  %s\n",
		style.Bold.Render(fmt.Sprintf("Total: %s", formatCost(liveTotal(rows)))),
		style.Dim.Render(fmt.Sprintf("burn: %s/min", formatCost(burnRate(rows, now)))))
	return nil
}

func liveTotal(rows []liveCostRow) float64 {
	var total float64
	for _, r := range rows {
		total += r.CostUSD
	}
	return total
}

// burnRate divides total live spend by the mean session age in minutes.
func burnRate(rows []liveCostRow, now time.Time) float64 {
	if len(rows) == 0 {
		return 0
	}
	var elapsedMs int64
	for _, r := range rows {
		elapsedMs += r.ElapsedMs
	}
	avgMinutes := float64(elapsedMs) / float64(len(rows)) / 60000.0
	if avgMinutes <= 0 {
		return 0
	}
	return liveTotal(rows) / avgMinutes
}
