package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/prime"
)

var primeCmd = &cobra.Command{
	Use:     "prime",
	GroupID: GroupAgents,
	Short:   "Print the context packet for an agent",
	Long: `Prime assembles the startup context packet: project summary,
capability profile, fleet roster, mulch expertise, and the activation
section binding the agent to its task.

The SessionStart hook pipes this to the agent; --compact builds the
shorter post-compaction packet that restores the saved checkpoint
instead of re-fetching expertise.`,
	Args: cobra.NoArgs,
	RunE: runPrime,
}

var (
	primeAgent   string
	primeCompact bool
)

func init() {
	primeCmd.Flags().StringVar(&primeAgent, "agent", "", "Agent to prime (defaults to $"+agentEnvVar+")")
	primeCmd.Flags().BoolVar(&primeCompact, "compact", false, "Build the post-compaction packet")
	rootCmd.AddCommand(primeCmd)
}

func runPrime(cmd *cobra.Command, args []string) error {
	name := primeAgent
	if name == "" {
		name = os.Getenv(agentEnvVar)
	}
	if name == "" {
		return errdefs.Validationf("no agent to prime: pass --agent or run inside an agent pane")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	builder, err := a.primeBuilder()
	if err != nil {
		return err
	}
	packet, err := builder.Build(cmd.Context(), prime.Options{Agent: name, Compact: primeCompact})
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, packet)
	return nil
}
