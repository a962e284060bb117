package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/sling"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// Supervisory agents run as fixed-name singletons on the canonical
// branch. supervisor and monitor share this start/stop/status shape;
// the coordinator differs because it is a patrol loop, not an agent.

func startSupervisory(cmd *cobra.Command, capability agent.Capability, name string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	if sess, ok, err := sessions.GetByName(name); err != nil {
		return err
	} else if ok && sess.State.IsActive() {
		fmt.Fprintf(out(), "%s already running (state %s)\n", name, sess.State)
		return nil
	}

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	res, err := sched.Sling(cmd.Context(), sling.Request{
		Capability: string(capability),
		Name:       name,
		Depth:      -1,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}
	fmt.Fprintf(out(), "%s Started %s (%s, model %s)\n",
		style.SuccessPrefix, res.AgentName, res.Capability, res.Model)
	fmt.Fprintf(out(), "  Attach with: tmux attach -t %s\n", res.TmuxSession)
	return nil
}

func stopSupervisory(cmd *cobra.Command, name string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	sess, ok, err := sessions.GetByName(name)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out(), "%s is not running.\n", name)
		return nil
	}

	ctx := cmd.Context()
	t := tmux.New()
	if sess.TmuxSession != "" {
		if alive, _ := t.HasSession(ctx, sess.TmuxSession); alive {
			if err := t.KillSession(ctx, sess.TmuxSession); err != nil {
				return err
			}
		}
	}
	if sess.State != store.StateCompleted {
		if err := sessions.UpdateState(name, store.StateCompleted); err != nil {
			return err
		}
	}
	fmt.Fprintf(out(), "%s Stopped %s\n", style.SuccessPrefix, name)
	return nil
}

func statusSupervisory(cmd *cobra.Command, name string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	sess, ok, err := sessions.GetByName(name)
	if err != nil {
		return err
	}

	pane := false
	if ok && sess.TmuxSession != "" {
		pane, _ = tmux.New().HasSession(cmd.Context(), sess.TmuxSession)
	}

	if jsonOut {
		view := struct {
			Running bool           `json:"running"`
			Pane    bool           `json:"pane"`
			Session *store.Session `json:"session,omitempty"`
		}{ok && sess.State.IsActive() && pane, pane, nil}
		if ok {
			view.Session = &sess
		}
		return printJSON(view)
	}

	w := out()
	switch {
	case !ok || sess.State.IsTerminal():
		fmt.Fprintf(w, "%s %s is not running\n", style.Error.Render(style.ErrorPrefix), name)
	case !pane:
		fmt.Fprintf(w, "%s %s row says %s but the pane is gone (watchdog will reap it)\n",
			style.Warning.Render(style.WarningPrefix), name, sess.State)
	default:
		fmt.Fprintf(w, "%s %s %s, up %s\n",
			style.SuccessPrefix, name,
			style.StateStyle(string(sess.State)).Render(string(sess.State)),
			humanAge(sess.StartedAt, time.Now()))
	}
	return nil
}
