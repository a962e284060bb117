package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/style"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: GroupWorkspace,
	Short:   "Scaffold .overstory in the current git repository",
	Long: `Init creates the .overstory state directory at the repository root:
default config, the agent capability manifest, editable agent
definitions, and a specs directory for task briefs.

Existing files are kept unless --force is given. Databases and other
runtime state are created on demand by the commands that own them.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config and manifest")
	rootCmd.AddCommand(initCmd)
}

// stateIgnore keeps runtime state out of the project's history. The
// config and agent definitions stay tracked.
const stateIgnore = `# Overstory runtime state. Track config.yaml, agent-manifest.json and
# agent-defs/; everything below is per-machine.
config.local.yaml
*.db
*.db-wal
*.db-shm
*.lock
current-run.txt
session-branch.txt
mail-check-state.json
nudge-state.json
pending-nudges/
agents/
worktrees/
logs/
`

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "resolving working directory")
	}
	root, err := config.FindRoot(cwd)
	if err != nil {
		return err
	}
	paths := config.NewPaths(root)
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "creating state directory")
	}

	w := out()
	fmt.Fprintf(w, "Initializing %s in %s\n", config.DirName, root)

	wrote, err := writeProjectConfig(cmd.Context(), root, paths, initForce)
	if err != nil {
		return err
	}
	report(w, "config.yaml", wrote)

	wrote, err = writeManifest(paths, initForce)
	if err != nil {
		return err
	}
	report(w, "agent-manifest.json", wrote)

	if err := agent.ProvisionDefs(paths); err != nil {
		return err
	}
	report(w, fmt.Sprintf("agent-defs/ (%d definitions)", len(agent.All())), true)

	for _, dir := range []string{paths.SpecsDir(), paths.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errdefs.Wrap(errdefs.KindConfig, err, "creating "+filepath.Base(dir))
		}
	}
	report(w, "specs/", true)

	ignorePath := filepath.Join(paths.Dir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) || initForce {
		if err := os.WriteFile(ignorePath, []byte(stateIgnore), 0o644); err != nil {
			return errdefs.Wrap(errdefs.KindConfig, err, "writing .gitignore")
		}
	}
	report(w, ".gitignore", true)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Next: overstory sling --name <agent> --bead <id>\n")
	return nil
}

func report(w io.Writer, name string, wrote bool) {
	if wrote {
		fmt.Fprintf(w, "  %s %s\n", style.SuccessPrefix, name)
	} else {
		fmt.Fprintf(w, "  %s %s (kept)\n", style.Dim.Render("-"), name)
	}
}

// writeProjectConfig materializes the default config with the project
// name and canonical branch filled in from the repository.
func writeProjectConfig(ctx context.Context, root string, paths config.Paths, force bool) (bool, error) {
	path := paths.ConfigFile()
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}

	cfg := config.Defaults()
	cfg.Project.Name = filepath.Base(root)
	cfg.Project.Root = root
	if branch, err := git.New(root).CurrentBranch(ctx); err == nil && branch != "" {
		cfg.Project.CanonicalBranch = branch
	}

	// A checked-in .overstory.toml seeds team defaults over the
	// repository-derived ones.
	manifest, err := config.LoadRepoManifest(root)
	if err != nil {
		return false, err
	}
	manifest.ApplyTo(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindConfig, err, "encoding config")
	}
	header := "# Overstory project configuration. Overrides merge from\n# config.local.yaml (gitignored) on top of this file.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return false, errdefs.Wrap(errdefs.KindConfig, err, "writing config.yaml")
	}
	return true, nil
}

func writeManifest(paths config.Paths, force bool) (bool, error) {
	path := paths.ManifestFile()
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := agent.SaveManifest(path, agent.DefaultManifest()); err != nil {
		return false, err
	}
	return true, nil
}
