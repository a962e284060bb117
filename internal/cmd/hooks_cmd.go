package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/hooks"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	hooksAgent          string
	hooksGateCapability string
)

var hooksCmd = &cobra.Command{
	Use:     "hooks",
	GroupID: GroupWorkspace,
	Short:   "Manage agent worktree hooks",
	Long: `Hooks wire an agent's CLI to the control plane: priming on session
start, mail injection on prompts, the tool policy gate, activity
logging, and checkpointing. Sling deploys them automatically; these
verbs refresh or remove them by hand.`,
	RunE: requireSubcommand,
}

var hooksInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Deploy hooks into agent worktrees",
	Args:  cobra.NoArgs,
	RunE:  runHooksInstall,
}

var hooksUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove managed hooks from agent worktrees",
	Args:  cobra.NoArgs,
	RunE:  runHooksUninstall,
}

var hooksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hook deployment per agent",
	Args:  cobra.NoArgs,
	RunE:  runHooksStatus,
}

// gate and checkpoint are plumbing the deployed hooks invoke; they stay
// out of help output.
var hooksGateCmd = &cobra.Command{
	Use:    "gate",
	Hidden: true,
	Short:  "Evaluate a tool call from stdin",
	Args:   cobra.NoArgs,
	RunE:   runHooksGate,
}

var hooksCheckpointCmd = &cobra.Command{
	Use:    "checkpoint",
	Hidden: true,
	Short:  "Save a compaction checkpoint",
	Args:   cobra.NoArgs,
	RunE:   runHooksCheckpoint,
}

func init() {
	hooksInstallCmd.Flags().StringVar(&hooksAgent, "agent", "", "Only this agent's worktree")
	hooksUninstallCmd.Flags().StringVar(&hooksAgent, "agent", "", "Only this agent's worktree")
	hooksGateCmd.Flags().StringVar(&hooksGateCapability, "capability", "builder", "Capability whose policy applies")
	hooksCmd.AddCommand(hooksInstallCmd, hooksUninstallCmd, hooksStatusCmd, hooksGateCmd, hooksCheckpointCmd)
	rootCmd.AddCommand(hooksCmd)
}

// hookTargets resolves which sessions to operate on: one named agent,
// or every active session.
func hookTargets(a *app) ([]store.Session, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	if hooksAgent != "" {
		sess, ok, err := sessions.GetByName(hooksAgent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errdefs.Agentf("no session for agent %q", hooksAgent)
		}
		return []store.Session{sess}, nil
	}
	return sessions.GetActive()
}

func runHooksInstall(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := hookTargets(a)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(out(), "No agent worktrees to install hooks into.")
		return nil
	}

	w := out()
	for _, sess := range targets {
		capability, err := agent.Parse(sess.Capability)
		if err != nil {
			capability = agent.Builder
		}
		if err := hooks.Deploy(a.Paths, sess.WorktreePath, capability); err != nil {
			style.PrintWarning("%s: %v", sess.AgentName, err)
			continue
		}
		fmt.Fprintf(w, "%s Hooks deployed for %s (%s)\n",
			style.SuccessPrefix, sess.AgentName, capability)
	}
	return nil
}

func runHooksUninstall(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := hookTargets(a)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(out(), "No agent worktrees to uninstall hooks from.")
		return nil
	}

	w := out()
	for _, sess := range targets {
		removed, err := hooks.Remove(sess.WorktreePath)
		if err != nil {
			style.PrintWarning("%s: %v", sess.AgentName, err)
			continue
		}
		if removed {
			fmt.Fprintf(w, "%s Hooks removed for %s\n", style.SuccessPrefix, sess.AgentName)
		} else {
			fmt.Fprintf(w, "%s\n", style.Dim.Render(fmt.Sprintf("- %s (none installed)", sess.AgentName)))
		}
	}
	return nil
}

type hookStatusView struct {
	Agent      string `json:"agent"`
	Capability string `json:"capability"`
	Worktree   string `json:"worktree"`
	Installed  bool   `json:"installed"`
}

func runHooksStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	active, err := sessions.GetActive()
	if err != nil {
		return err
	}

	views := make([]hookStatusView, 0, len(active))
	for _, sess := range active {
		views = append(views, hookStatusView{
			Agent:      sess.AgentName,
			Capability: sess.Capability,
			Worktree:   sess.WorktreePath,
			Installed:  hooksInstalled(sess.WorktreePath),
		})
	}

	if jsonOut {
		return printJSON(views)
	}
	w := out()
	if len(views) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No active sessions."))
		return nil
	}
	t := style.NewTable(
		style.Column{Name: "AGENT", Width: 14},
		style.Column{Name: "CAPABILITY", Width: 11},
		style.Column{Name: "HOOKS", Width: 9},
	)
	for _, v := range views {
		state := style.Success.Render("installed")
		if !v.Installed {
			state = style.Red.Render("missing")
		}
		t.AddRow(v.Agent, v.Capability, state)
	}
	fmt.Fprint(w, t.Render())
	return nil
}

func hooksInstalled(workDir string) bool {
	data, err := os.ReadFile(hooks.SettingsPath(workDir))
	if err != nil {
		return false
	}
	settings, err := hooks.UnmarshalSettings(data)
	if err != nil {
		return false
	}
	_, ok := settings.Extra["hooks"]
	return ok
}

// runHooksGate is the PreToolUse policy check. It also records the
// tool_start event that log --stdin later closes. Exit 0 allows the
// call; exit 2 blocks it with the reason on stderr, which the agent
// CLI feeds back to the model.
func runHooksGate(cmd *cobra.Command, args []string) error {
	call, err := hooks.ParseToolCall(os.Stdin)
	if err != nil {
		// A malformed payload must not wedge the agent.
		return nil
	}

	capability, err := agent.Parse(hooksGateCapability)
	if err != nil {
		capability = agent.Builder
	}

	recordToolStart(call)

	decision := hooks.Evaluate(capability, call)
	if !decision.Allow {
		fmt.Fprintln(os.Stderr, decision.Reason)
		return NewSilentExit(2)
	}
	return nil
}

// recordToolStart inserts the start event keyed by the pane's agent.
// Best effort end to end: the gate's verdict never depends on stores.
func recordToolStart(call hooks.ToolCall) {
	agentName := os.Getenv(agentEnvVar)
	if agentName == "" {
		return
	}
	a, err := openApp()
	if err != nil {
		return
	}
	defer a.Close()

	events, err := a.Events()
	if err != nil {
		return
	}
	sessions, err := a.Sessions()
	if err != nil {
		return
	}
	runID, _ := a.Runs().CurrentRun()

	var sessionID string
	if sess, ok, err := sessions.GetByName(agentName); err == nil && ok {
		sessionID = sess.ID
	}
	_, _ = events.Insert(store.Event{
		RunID:          runID,
		AgentName:      agentName,
		SessionID:      sessionID,
		EventType:      store.EventToolStart,
		ToolName:       call.ToolName,
		ToolArgs:       string(call.ToolInput),
		ToolDurationMs: -1,
		Level:          "info",
	})
	_ = sessions.UpdateLastActivity(agentName)
}

// runHooksCheckpoint saves the PreCompact checkpoint: current branch
// and modified files from the worktree, so the post-compaction prime
// can restore context.
func runHooksCheckpoint(cmd *cobra.Command, args []string) error {
	agentName := os.Getenv(agentEnvVar)
	if agentName == "" {
		return errdefs.Validationf("%s is not set; checkpoint only runs inside agent hooks", agentEnvVar)
	}

	var payload struct {
		Trigger string `json:"trigger"`
	}
	data, err := io.ReadAll(os.Stdin)
	if err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}
	if payload.Trigger == "" {
		payload.Trigger = "auto"
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cp := &agent.Checkpoint{
		Agent:    agentName,
		Progress: fmt.Sprintf("context compacted (%s)", payload.Trigger),
	}

	ctx := cmd.Context()
	sessions, err := a.Sessions()
	if err == nil {
		if sess, ok, err := sessions.GetByName(agentName); err == nil && ok {
			cp.CurrentBranch = sess.BranchName
			if sess.WorktreePath != "" {
				wt := git.New(sess.WorktreePath)
				if files, err := wt.DiffNameOnly(ctx, a.Config.Project.CanonicalBranch, "HEAD"); err == nil {
					cp.FilesModified = files
				}
			}
		}
	}

	return agent.SaveCheckpoint(a.Paths, cp)
}
