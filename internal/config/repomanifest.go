package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

// RepoManifestPath is the optional manifest checked in at the repo
// root. `overstory init` reads it to seed config.yaml so teams can
// version their project defaults without versioning .overstory/.
const RepoManifestPath = ".overstory.toml"

// RepoManifestVersion is the supported manifest schema version.
const RepoManifestVersion = 1

// RepoManifest defines project defaults for init.
type RepoManifest struct {
	Version int `toml:"version"`

	Project struct {
		Name            string `toml:"name"`
		CanonicalBranch string `toml:"canonical_branch"`
	} `toml:"project"`

	Agents struct {
		MaxConcurrent int `toml:"max_concurrent"`
		MaxDepth      int `toml:"max_depth"`
	} `toml:"agents"`

	Setup struct {
		// Command runs once inside each fresh worktree (dependency
		// install, codegen) before the agent starts.
		Command string `toml:"command"`
	} `toml:"setup"`
}

// LoadRepoManifest reads {root}/.overstory.toml. Returns (nil, nil)
// when the file does not exist.
func LoadRepoManifest(root string) (*RepoManifest, error) {
	path := filepath.Join(root, RepoManifestPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "reading "+RepoManifestPath)
	}

	var m RepoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "parsing "+RepoManifestPath)
	}
	if m.Version != 0 && m.Version != RepoManifestVersion {
		return nil, errdefs.Configf("%s version %d not supported (want %d)",
			RepoManifestPath, m.Version, RepoManifestVersion)
	}
	return &m, nil
}

// ApplyTo copies manifest values onto cfg where the manifest sets them.
func (m *RepoManifest) ApplyTo(cfg *Config) {
	if m == nil {
		return
	}
	if m.Project.Name != "" {
		cfg.Project.Name = m.Project.Name
	}
	if m.Project.CanonicalBranch != "" {
		cfg.Project.CanonicalBranch = m.Project.CanonicalBranch
	}
	if m.Agents.MaxConcurrent > 0 {
		cfg.Agents.MaxConcurrent = m.Agents.MaxConcurrent
	}
	if m.Agents.MaxDepth > 0 {
		cfg.Agents.MaxDepth = m.Agents.MaxDepth
	}
	if m.Setup.Command != "" {
		cfg.Worktrees.SetupCommand = m.Setup.Command
	}
}
