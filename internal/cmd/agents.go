package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/style"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	GroupID: GroupAgents,
	Short:   "Inspect agent capabilities",
	RunE:    requireSubcommand,
}

var agentsDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List capabilities, their models and abilities",
	Long: `Shows every capability the scheduler can sling: the model it runs
on after config overrides, whether it may spawn children, its ability
tags, and whether its definition comes from the project's agent-defs
directory or the embedded default.`,
	Args: cobra.NoArgs,
	RunE: runAgentsDiscover,
}

func init() {
	agentsCmd.AddCommand(agentsDiscoverCmd)
	rootCmd.AddCommand(agentsCmd)
}

type capabilityView struct {
	Capability string   `json:"capability"`
	Model      string   `json:"model"`
	CanSpawn   bool     `json:"can_spawn"`
	Abilities  []string `json:"abilities"`
	Definition string   `json:"definition"`
}

func runAgentsDiscover(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	manifest, err := agent.LoadManifest(a.Paths.ManifestFile())
	if err != nil {
		return err
	}

	views := make([]capabilityView, 0, len(agent.All()))
	for _, info := range agent.ListDefinitions(a.Paths) {
		profile := manifest.Profile(info.Capability)
		views = append(views, capabilityView{
			Capability: string(info.Capability),
			Model:      a.Config.ModelFor(string(info.Capability), profile.Model),
			CanSpawn:   profile.CanSpawn,
			Abilities:  profile.Capabilities,
			Definition: string(info.Source),
		})
	}

	if jsonOut {
		return printJSON(views)
	}

	w := out()
	t := style.NewTable(
		style.Column{Name: "CAPABILITY", Width: 12},
		style.Column{Name: "MODEL", Width: 8},
		style.Column{Name: "SPAWN", Width: 5},
		style.Column{Name: "ABILITIES", Width: 30},
		style.Column{Name: "DEFINITION", Width: 10},
	)
	for _, v := range views {
		spawn := style.Dim.Render("-")
		if v.CanSpawn {
			spawn = style.Green.Render("yes")
		}
		def := v.Definition
		if def == string(agent.DefProject) {
			def = style.Bold.Render(def)
		}
		t.AddRow(v.Capability, v.Model, spawn, strings.Join(v.Abilities, ","), def)
	}
	fmt.Fprint(w, t.Render())
	fmt.Fprintln(w, style.Dim.Render("Override a definition by editing .overstory/agent-defs/<capability>.md"))
	return nil
}
