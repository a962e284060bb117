package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/style"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupAgents,
	Short:   "Show the fleet at a glance",
	Long: `Status prints every live session with its capability, state, bound
bead, and last activity, plus unread mail and merge-queue depth.

Use --json for the full snapshot the dashboards consume.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.sources()
	if err != nil {
		return err
	}
	snap, err := sources.Collect()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(snap)
	}

	w := out()
	now := time.Now()

	header := style.Bold.Render(snap.Project)
	if snap.CurrentRun != "" {
		header += style.Dim.Render("  run " + snap.CurrentRun)
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w)

	if len(snap.Sessions) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No sessions. Sling one with: overstory sling --name <agent> --bead <id>"))
		return nil
	}

	t := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "CAPABILITY", Width: 11},
		style.Column{Name: "STATE", Width: 10},
		style.Column{Name: "BEAD", Width: 9},
		style.Column{Name: "ACTIVITY", Width: 8, Align: style.AlignRight},
		style.Column{Name: "PARENT", Width: 12},
	)
	for _, s := range snap.Sessions {
		t.AddRow(
			s.Agent,
			s.Capability,
			style.StateStyle(s.State).Render(s.State),
			orDash(s.BeadID),
			humanAge(s.LastActivity, now),
			orDash(s.Parent),
		)
	}
	fmt.Fprint(w, t.Render())
	fmt.Fprintln(w)

	unread := 0
	for _, m := range snap.Mail {
		if m.Unread {
			unread++
		}
	}
	pending := 0
	for _, q := range snap.Queue {
		if q.Status == "pending" || q.Status == "merging" {
			pending++
		}
	}
	fmt.Fprintf(w, "%s  %s\n",
		style.Dim.Render(fmt.Sprintf("mail: %d unread", unread)),
		style.Dim.Render(fmt.Sprintf("queue: %d waiting", pending)))
	return nil
}
