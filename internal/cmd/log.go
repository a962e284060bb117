package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/hooks"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/telemetry"
	"github.com/overstory-ai/overstory/internal/util"
)

var logCmd = &cobra.Command{
	Use:     "log [message]",
	GroupID: GroupDiag,
	Short:   "Append to the event log",
	Long: `Log writes events into the append-only observability stream.

With a message it records a custom event. With --stdin it is the
PostToolUse hook: the tool payload on stdin becomes a tool_end event,
correlated against its tool_start for duration, and the agent's
activity clock advances (which also moves booting sessions to
working).`,
	Args: cobra.ArbitraryArgs,
	RunE: runLog,
}

var logSessionEndCmd = &cobra.Command{
	Use:   "session-end",
	Short: "Record a clean session end (Stop hook)",
	Long: `Session-end is wired to the agent CLI's Stop hook. It marks the
session completed, appends the session_end event, records the metrics
row, and feeds the worktree diff to mulch when available.`,
	Args: cobra.NoArgs,
	RunE: runLogSessionEnd,
}

var (
	logStdin bool
	logLevel string
)

func init() {
	logCmd.Flags().BoolVar(&logStdin, "stdin", false, "Read a hook payload from stdin")
	logCmd.Flags().StringVar(&logLevel, "level", "info", "Event level (debug|info|warn|error)")
	logSessionEndCmd.Flags().Bool("stdin", false, "Read the Stop payload from stdin")
	logCmd.AddCommand(logSessionEndCmd)
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	if logStdin {
		return logToolEnd(cmd.Context(), os.Stdin)
	}
	if len(args) == 0 {
		return errdefs.Validationf("nothing to log: pass a message or --stdin")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	events, err := a.Events()
	if err != nil {
		return err
	}

	agentName := detectAgent()
	runID, _ := a.Runs().CurrentRun()
	data, _ := json.Marshal(map[string]string{"message": strings.Join(args, " ")})
	_, err = events.Insert(store.Event{
		RunID:     runID,
		AgentName: agentName,
		EventType: store.EventCustom,
		Level:     logLevel,
		Data:      string(data),
	})
	return err
}

// logToolEnd is the PostToolUse pipeline. It must stay quiet on
// stdout: anything printed would be surfaced inside the agent's CLI.
func logToolEnd(ctx context.Context, r io.Reader) error {
	agentName := os.Getenv(agentEnvVar)
	if agentName == "" {
		return errdefs.Validationf("%s is not set; log --stdin only runs inside agent hooks", agentEnvVar)
	}
	call, err := hooks.ParseToolCall(r)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}
	sess, _, err := sessions.GetByName(agentName)
	if err != nil {
		return err
	}

	durationMs := int64(-1)
	if _, d, found, err := events.CorrelateToolEnd(agentName, call.ToolName); err == nil && found {
		durationMs = d
	}

	// WAL writer contention with the watchdog clears in milliseconds;
	// retry rather than lose the record.
	retryCfg := util.DefaultRetryConfig()
	retryCfg.OnRetry = func(int, error) { telemetry.RecordBusyRetry(ctx, "events") }
	if _, err := util.Retry(ctx, retryCfg, func() (int64, error) {
		return events.Insert(store.Event{
			RunID:          sess.RunID,
			AgentName:      agentName,
			SessionID:      sess.ID,
			EventType:      store.EventToolEnd,
			ToolName:       call.ToolName,
			ToolArgs:       string(call.ToolInput),
			ToolDurationMs: durationMs,
			Level:          "info",
		})
	}); err != nil {
		return err
	}
	if err := sessions.UpdateLastActivity(agentName); err != nil {
		return err
	}

	// Commits are when a worktree's diff is worth remembering.
	if call.ToolName == "Bash" && sess.WorktreePath != "" {
		var input struct {
			Command string `json:"command"`
		}
		if json.Unmarshal(call.ToolInput, &input) == nil && strings.Contains(input.Command, "git commit") {
			_ = a.Mulch().ExtractDiff(ctx, sess.WorktreePath, agentName)
		}
	}
	return nil
}

func runLogSessionEnd(cmd *cobra.Command, args []string) error {
	agentName := os.Getenv(agentEnvVar)
	if agentName == "" {
		return errdefs.Validationf("%s is not set; session-end only runs inside agent hooks", agentEnvVar)
	}
	// The Stop payload is advisory; drain it so the hook pipe closes.
	_, _ = io.Copy(io.Discard, os.Stdin)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}
	sess, ok, err := sessions.GetByName(agentName)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Agentf("no session for agent %q", agentName)
	}

	if err := sessions.UpdateState(agentName, store.StateCompleted); err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]string{"reason": "clean"})
	if _, err := events.Insert(store.Event{
		RunID:     sess.RunID,
		AgentName: agentName,
		SessionID: sess.ID,
		EventType: store.EventSessionEnd,
		Level:     "info",
		Data:      string(data),
	}); err != nil {
		return err
	}

	// Metrics and mulch learning are best-effort: a clean end never
	// fails because a secondary record did.
	if metrics, err := a.Metrics(); err == nil {
		now := time.Now().UTC()
		man, err := agent.LoadManifest(a.Paths.ManifestFile())
		if err != nil {
			man = agent.DefaultManifest()
		}
		c := agent.Capability(sess.Capability)
		_ = metrics.RecordSession(store.SessionMetrics{
			AgentName:   sess.AgentName,
			BeadID:      sess.BeadID,
			Capability:  sess.Capability,
			StartedAt:   sess.StartedAt,
			CompletedAt: now,
			DurationMs:  now.Sub(sess.StartedAt).Milliseconds(),
			ExitCode:    0,
			ParentAgent: sess.ParentAgent,
			ModelUsed:   a.Config.ModelFor(sess.Capability, man.ModelFor(c)),
			RunID:       sess.RunID,
		})
	}
	if sess.WorktreePath != "" {
		_ = a.Mulch().Learn(cmd.Context(), sess.WorktreePath, agentName)
	}
	fmt.Fprintf(out(), "Session %s completed.\n", agentName)
	return nil
}
