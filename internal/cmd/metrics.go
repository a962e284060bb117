package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	metricsLimit int
	metricsRun   string
)

var metricsCmd = &cobra.Command{
	Use:     "metrics",
	GroupID: GroupDiag,
	Short:   "Show recorded session metrics",
	Long: `Show recently completed sessions with durations, merge outcomes,
and spend, plus fleet-wide averages.`,
	Args: cobra.NoArgs,
	RunE: runMetrics,
}

func init() {
	metricsCmd.Flags().IntVar(&metricsLimit, "limit", 20, "Maximum number of sessions")
	metricsCmd.Flags().StringVar(&metricsRun, "run", "", "Only sessions from this run")
	rootCmd.AddCommand(metricsCmd)
}

type metricsView struct {
	Agent       string    `json:"agent"`
	Capability  string    `json:"capability"`
	BeadID      string    `json:"bead_id,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	ExitCode    int       `json:"exit_code"`
	MergeResult string    `json:"merge_result,omitempty"`
	CostUSD     float64   `json:"cost_usd"`
	Model       string    `json:"model,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

func runMetrics(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	metrics, err := a.Metrics()
	if err != nil {
		return err
	}
	var sessions []store.SessionMetrics
	if metricsRun != "" {
		sessions, err = metrics.SessionsByRun(metricsRun)
	} else {
		sessions, err = metrics.RecentSessions(metricsLimit)
	}
	if err != nil {
		return err
	}

	views := make([]metricsView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, metricsView{
			Agent:       s.AgentName,
			Capability:  s.Capability,
			BeadID:      s.BeadID,
			DurationMs:  s.DurationMs,
			ExitCode:    s.ExitCode,
			MergeResult: s.MergeResult,
			CostUSD:     s.EstimatedCostUSD,
			Model:       s.ModelUsed,
			CompletedAt: s.CompletedAt,
		})
	}

	avg, err := metrics.AverageDuration()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(struct {
			Sessions      []metricsView `json:"sessions"`
			AvgDurationMs int64         `json:"avg_duration_ms"`
		}{views, avg.Milliseconds()})
	}

	w := out()
	if len(views) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No completed sessions recorded yet."))
		return nil
	}

	now := time.Now()
	t := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "CAPABILITY", Width: 11},
		style.Column{Name: "BEAD", Width: 9},
		style.Column{Name: "DURATION", Width: 8, Align: style.AlignRight},
		style.Column{Name: "EXIT", Width: 4, Align: style.AlignRight},
		style.Column{Name: "MERGE", Width: 12},
		style.Column{Name: "COST", Width: 9, Align: style.AlignRight},
		style.Column{Name: "AGE", Width: 6, Align: style.AlignRight},
	)
	var totalCost float64
	for _, v := range views {
		totalCost += v.CostUSD
		exit := fmt.Sprintf("%d", v.ExitCode)
		if v.ExitCode != 0 {
			exit = style.Red.Render(exit)
		}
		t.AddRow(
			v.Agent,
			v.Capability,
			orDash(v.BeadID),
			humanMs(v.DurationMs),
			exit,
			orDash(v.MergeResult),
			formatCost(v.CostUSD),
			humanAge(v.CompletedAt, now),
		)
	}
	fmt.Fprint(w, t.Render())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s  %s\n",
		style.Dim.Render(fmt.Sprintf("avg duration: %s", humanMs(avg.Milliseconds()))),
		style.Dim.Render(fmt.Sprintf("total cost: %s", formatCost(totalCost))))
	return nil
}
