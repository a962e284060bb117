package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: GroupWork,
	Short:   "Manage orchestration runs",
	Long: `A run groups one objective's worth of work: the sessions slung for
it, their events, their costs. Sessions join the current run
automatically.`,
	RunE: requireSubcommand,
}

var runStartCmd = &cobra.Command{
	Use:   "start <objective>",
	Short: "Start a run and make it current",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunStart,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE:  runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a run's sessions and totals",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunShow,
}

var runCompleteCmd = &cobra.Command{
	Use:   "complete [id]",
	Short: "Mark a run finished",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunComplete,
}

func init() {
	runCmd.AddCommand(runStartCmd, runListCmd, runShowCmd, runCompleteCmd)
	rootCmd.AddCommand(runCmd)
}

// resolveRun picks the run to operate on: the positional id if given,
// else the current run marker.
func resolveRun(a *app, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	id, err := a.Runs().CurrentRun()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errdefs.New(errdefs.KindValidation, "no current run").
			WithHint("pass a run id, or start one with 'overstory run start <objective>'")
	}
	return id, nil
}

func runRunStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	run, err := sessions.CreateRun(store.Run{Objective: args[0]})
	if err != nil {
		return err
	}
	if err := a.Runs().SetCurrentRun(run.ID); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(run)
	}
	fmt.Fprintf(out(), "%s Run %s started\n", style.SuccessPrefix, run.ID)
	fmt.Fprintf(out(), "  %s\n", run.Objective)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	runs, err := sessions.ListRuns()
	if err != nil {
		return err
	}
	current, _ := a.Runs().CurrentRun()

	if jsonOut {
		return printJSON(runs)
	}
	w := out()
	if len(runs) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No runs. Start one with: overstory run start <objective>"))
		return nil
	}

	now := time.Now()
	t := style.NewTable(
		style.Column{Name: "RUN", Width: 12},
		style.Column{Name: "OBJECTIVE", Width: 40},
		style.Column{Name: "STARTED", Width: 8, Align: style.AlignRight},
		style.Column{Name: "STATUS", Width: 10},
	)
	for _, r := range runs {
		status := style.Green.Render("active")
		if !r.CompletedAt.IsZero() {
			status = style.Dim.Render("completed")
		}
		id := r.ID
		if r.ID == current {
			id = style.Bold.Render(r.ID)
		}
		t.AddRow(id, clip(r.Objective, 40), humanAge(r.StartedAt, now), status)
	}
	fmt.Fprint(w, t.Render())
	return nil
}

func runRunShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveRun(a, args)
	if err != nil {
		return err
	}
	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	run, ok, err := sessions.GetRun(id)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Validationf("no run with id %q", id)
	}
	bound, err := sessions.GetByRun(id)
	if err != nil {
		return err
	}
	metrics, err := a.Metrics()
	if err != nil {
		return err
	}
	completed, err := metrics.SessionsByRun(id)
	if err != nil {
		return err
	}

	var cost float64
	var durationMs int64
	for _, m := range completed {
		cost += m.EstimatedCostUSD
		durationMs += m.DurationMs
	}

	if jsonOut {
		return printJSON(struct {
			Run      store.Run              `json:"run"`
			Sessions []store.Session        `json:"sessions"`
			Metrics  []store.SessionMetrics `json:"metrics,omitempty"`
			CostUSD  float64                `json:"cost_usd"`
		}{run, bound, completed, cost})
	}

	w := out()
	now := time.Now()
	fmt.Fprintf(w, "%s  %s\n", style.Bold.Render(run.ID), run.Objective)
	if run.CompletedAt.IsZero() {
		fmt.Fprintln(w, style.Dim.Render(fmt.Sprintf("started %s ago", humanAge(run.StartedAt, now))))
	} else {
		fmt.Fprintln(w, style.Dim.Render(fmt.Sprintf("completed, ran %s", humanMs(run.CompletedAt.Sub(run.StartedAt).Milliseconds()))))
	}
	fmt.Fprintln(w)

	if len(bound) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No sessions in this run."))
	} else {
		t := style.NewTable(
			style.Column{Name: "AGENT", Width: 14},
			style.Column{Name: "CAPABILITY", Width: 11},
			style.Column{Name: "STATE", Width: 10},
			style.Column{Name: "BEAD", Width: 9},
			style.Column{Name: "STARTED", Width: 8, Align: style.AlignRight},
		)
		for _, s := range bound {
			t.AddRow(
				s.AgentName,
				s.Capability,
				style.StateStyle(string(s.State)).Render(string(s.State)),
				orDash(s.BeadID),
				humanAge(s.StartedAt, now),
			)
		}
		fmt.Fprint(w, t.Render())
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s  %s\n",
		style.Dim.Render(fmt.Sprintf("completed sessions: %d (%s)", len(completed), humanMs(durationMs))),
		style.Dim.Render(fmt.Sprintf("cost: %s", formatCost(cost))))
	return nil
}

func runRunComplete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveRun(a, args)
	if err != nil {
		return err
	}
	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	if _, ok, err := sessions.GetRun(id); err != nil {
		return err
	} else if !ok {
		return errdefs.Validationf("no run with id %q", id)
	}

	active, err := sessions.GetByRun(id)
	if err != nil {
		return err
	}
	live := 0
	for _, s := range active {
		if s.State.IsActive() {
			live++
		}
	}
	if live > 0 {
		style.PrintWarning("%d session(s) still active in run %s", live, id)
	}

	if err := sessions.CompleteRun(id); err != nil {
		return err
	}
	if current, _ := a.Runs().CurrentRun(); current == id {
		if err := a.Runs().ClearCurrentRun(); err != nil {
			return err
		}
	}

	if jsonOut {
		run, _, err := sessions.GetRun(id)
		if err != nil {
			return err
		}
		return printJSON(run)
	}
	fmt.Fprintf(out(), "%s Run %s completed\n", style.SuccessPrefix, id)
	return nil
}
