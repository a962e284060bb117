// Package cmd implements the overstory CLI.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

var rootCmd = &cobra.Command{
	Use:     "overstory",
	Short:   "Overstory - orchestrate a canopy of AI coding agents",
	Version: Version,
	Long: `Overstory runs fleets of AI coding agents, each in its own git
worktree and tmux pane, and integrates their branches back into the
canonical line through a tiered merge queue.

Agents talk to each other over SQLite-backed mail, a watchdog keeps
stalled sessions moving, and every tool call lands in an append-only
event log you can replay.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Universal flags, available on every subcommand.
var (
	jsonOut     bool
	quiet       bool
	completions string
)

// Command group IDs, used by subcommands to organize help output.
const (
	GroupWork      = "work"
	GroupAgents    = "agents"
	GroupComm      = "comm"
	GroupServices  = "services"
	GroupWorkspace = "workspace"
	GroupDiag      = "diag"
)

func init() {
	// Assigned here rather than in the literal to avoid an
	// initialization cycle with emitCompletions.
	rootCmd.PersistentPreRunE = emitCompletions

	// Prefix matching lets "overstory coord st" reach "coordinator status".
	cobra.EnablePrefixMatching = true

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupWork, Title: "Work Management:"},
		&cobra.Group{ID: GroupAgents, Title: "Agent Management:"},
		&cobra.Group{ID: GroupComm, Title: "Communication:"},
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupWorkspace, Title: "Workspace:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupWorkspace)

	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().StringVar(&completions, "completions", "", "Print a completion script (bash|zsh|fish) and exit")

	// Registering --version ourselves keeps the -v shorthand; cobra
	// only adds its own flag when none exists.
	rootCmd.Flags().BoolP("version", "v", false, "Print version and exit")
}

// emitCompletions services the --completions universal flag before any
// command logic runs.
func emitCompletions(cmd *cobra.Command, args []string) error {
	if completions == "" {
		return nil
	}
	var err error
	switch completions {
	case "bash":
		err = rootCmd.GenBashCompletionV2(os.Stdout, true)
	case "zsh":
		err = rootCmd.GenZshCompletion(os.Stdout)
	case "fish":
		err = rootCmd.GenFishCompletion(os.Stdout, true)
	default:
		return errdefs.Validationf("unknown completion shell %q (supported: bash, zsh, fish)", completions)
	}
	if err != nil {
		return err
	}
	return NewSilentExit(0)
}

// Execute runs the root command and returns the process exit code.
// Classified errors print as "Error [<Kind>]: <message>"; silent exits
// pass their code through unreported.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return errdefs.ExitSuccess
	}
	if code, ok := IsSilentExit(err); ok {
		return code
	}
	fmt.Fprintln(os.Stderr, errdefs.Format(err))
	return errdefs.ExitError
}

// buildCommandPath walks the hierarchy to the full invocation, for
// example "overstory mail send".
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand is the RunE for parent commands. Without it cobra
// shows help and exits 0 for typos like "overstory mail sendd",
// masking the error.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
