package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/telemetry"
	"github.com/overstory-ai/overstory/internal/tmux"
)

var nudgeCmd = &cobra.Command{
	Use:     "nudge <agent>",
	GroupID: GroupAgents,
	Short:   "Wake an agent",
	Long: `Nudge leaves a pending-nudge marker that the agent's next mail check
surfaces. Markers never race the agent's own typing.

--force-keys bypasses the marker and types the message straight into
the pane with the clear/inject/verify protocol. Use it when an agent
has stopped checking mail entirely.`,
	Args: cobra.ExactArgs(1),
	RunE: runNudge,
}

var (
	nudgeMessage   string
	nudgeForceKeys bool
)

const (
	nudgeAttempts = 3
	nudgeSpacing  = 500 * time.Millisecond
)

func init() {
	nudgeCmd.Flags().StringVarP(&nudgeMessage, "message", "m", "", "What to tell the agent")
	nudgeCmd.Flags().BoolVar(&nudgeForceKeys, "force-keys", false, "Inject directly into the pane instead of leaving a marker")
	rootCmd.AddCommand(nudgeCmd)
}

func runNudge(cmd *cobra.Command, args []string) error {
	target := args[0]

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	sess, ok, err := sessions.GetByName(target)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Agentf("no session for agent %q", target).
			WithHint("see the roster with `overstory status`")
	}
	if !sess.State.IsActive() {
		return errdefs.Agentf("agent %q is %s and will not read a nudge", target, sess.State)
	}

	if nudgeForceKeys {
		return injectNudge(cmd, a, sess)
	}

	n := mail.Nudge{From: detectAgent(), Reason: "manual", Subject: nudgeMessage}
	if err := mail.WriteNudge(a.Paths, target, n); err != nil {
		return err
	}
	telemetry.RecordNudge(cmd.Context(), 0)
	fmt.Fprintf(out(), "%s Nudge queued for %s (delivered on next mail check)\n", style.SuccessPrefix, target)
	return nil
}

// injectNudge types into the pane, retrying on the transient inject
// failures. Exhausted retries land in the event log before failing.
func injectNudge(cmd *cobra.Command, a *app, sess store.Session) error {
	message := nudgeMessage
	if message == "" {
		message = fmt.Sprintf("Nudge from %s: please continue with your task.", detectAgent())
	}

	t := tmux.New()
	ctx := cmd.Context()
	var lastErr error
	for attempt := 1; attempt <= nudgeAttempts; attempt++ {
		lastErr = t.InjectDirect(ctx, sess.TmuxSession, message)
		if lastErr == nil {
			telemetry.RecordNudge(ctx, 1)
			fmt.Fprintf(out(), "%s Injected nudge into %s\n", style.SuccessPrefix, sess.TmuxSession)
			return nil
		}
		if attempt < nudgeAttempts {
			time.Sleep(nudgeSpacing)
		}
	}

	if events, err := a.Events(); err == nil {
		data, _ := json.Marshal(map[string]string{"target": sess.AgentName, "error": lastErr.Error()})
		_, _ = events.Insert(store.Event{
			RunID:     sess.RunID,
			AgentName: detectAgent(),
			EventType: store.EventError,
			Level:     "error",
			Data:      string(data),
		})
	}
	return errdefs.Wrap(errdefs.KindAgent, lastErr,
		fmt.Sprintf("injecting nudge into %s after %d attempts", sess.TmuxSession, nudgeAttempts))
}
