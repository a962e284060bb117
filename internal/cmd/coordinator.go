package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/sling"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/tmux"
	"github.com/overstory-ai/overstory/internal/util"
	"github.com/overstory-ai/overstory/internal/watchdog"
)

var coordinatorForeground bool

var coordinatorCmd = &cobra.Command{
	Use:     "coordinator",
	GroupID: GroupServices,
	Short:   "Run the watchdog patrol",
	Long: `The coordinator is the long-running watchdog: it reconciles session
rows against live tmux panes, nudges stalled agents, reaps zombies,
and keeps the monitor agent alive. One coordinator per project.`,
	RunE: requireSubcommand,
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator",
	Args:  cobra.NoArgs,
	RunE:  runCoordinatorStart,
}

var coordinatorStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the coordinator",
	Args:  cobra.NoArgs,
	RunE:  runCoordinatorStop,
}

var coordinatorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the coordinator is patrolling",
	Args:  cobra.NoArgs,
	RunE:  runCoordinatorStatus,
}

func init() {
	coordinatorStartCmd.Flags().BoolVar(&coordinatorForeground, "foreground", false, "Patrol in this process instead of a tmux pane")
	coordinatorCmd.AddCommand(coordinatorStartCmd, coordinatorStopCmd, coordinatorStatusCmd)
	rootCmd.AddCommand(coordinatorCmd)
}

func coordinatorSession(a *app) string {
	return tmux.SessionName(a.Config.Project.Name, "coordinator")
}

func runCoordinatorStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if coordinatorForeground {
		return patrolForeground(cmd, a)
	}

	ctx := cmd.Context()
	t := tmux.New()
	name := coordinatorSession(a)
	alive, err := t.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if alive {
		fmt.Fprintf(out(), "Coordinator already running in %s\n", name)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "overstory"
	}
	command := fmt.Sprintf("%q coordinator start --foreground", exe)
	if err := t.NewSession(ctx, name, a.Root, command, nil); err != nil {
		return err
	}
	fmt.Fprintf(out(), "%s Coordinator started\n", style.SuccessPrefix)
	fmt.Fprintf(out(), "  Watch it with: tmux attach -t %s\n", name)
	return nil
}

// patrolForeground runs the watchdog loop in this process with the
// tier 2 monitor respawn wired to the scheduler.
func patrolForeground(cmd *cobra.Command, a *app) error {
	wd, err := a.watchdogEngine()
	if err != nil {
		return err
	}
	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	wd.SpawnMonitor = func(ctx context.Context) error {
		_, err := sched.Sling(ctx, sling.Request{
			Capability: string(agent.Monitor),
			Name:       watchdog.MonitorAgentName,
			Depth:      -1,
		})
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return wd.Patrol(ctx)
}

func runCoordinatorStop(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	t := tmux.New()
	name := coordinatorSession(a)
	alive, err := t.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if !alive {
		fmt.Fprintln(out(), "Coordinator is not running.")
		return nil
	}
	if err := t.KillSession(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(out(), "%s Coordinator stopped\n", style.SuccessPrefix)
	return nil
}

func runCoordinatorStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	name := coordinatorSession(a)
	pane, err := tmux.New().HasSession(ctx, name)
	if err != nil {
		return err
	}

	// The patrol holds a flock for its lifetime. If we can grab it,
	// nobody is patrolling.
	patrolling := false
	lock := util.NewFileLock(a.Paths.WatchdogLockFile())
	if held, err := lock.TryLock(); err == nil {
		if held {
			_ = lock.Unlock()
		} else {
			patrolling = true
		}
	}

	if jsonOut {
		return printJSON(struct {
			Patrolling bool   `json:"patrolling"`
			Pane       bool   `json:"pane"`
			Session    string `json:"session"`
		}{patrolling, pane, name})
	}

	w := out()
	switch {
	case patrolling && pane:
		fmt.Fprintf(w, "%s Coordinator patrolling in %s\n", style.SuccessPrefix, name)
	case patrolling:
		fmt.Fprintf(w, "%s Coordinator patrolling (foreground process)\n", style.SuccessPrefix)
	case pane:
		fmt.Fprintf(w, "%s Pane %s exists but nothing holds the patrol lock\n", style.Warning.Render(style.WarningPrefix), name)
	default:
		fmt.Fprintf(w, "%s Coordinator is not running\n", style.Error.Render(style.ErrorPrefix))
		fmt.Fprintln(w, style.Dim.Render("  Start it with: overstory coordinator start"))
	}
	return nil
}
