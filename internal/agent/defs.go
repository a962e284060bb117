package agent

import (
	"embed"
	"os"
	"path/filepath"
	"sort"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
)

//go:embed defs/*.md
var defsFS embed.FS

// DefSource says where a capability definition was resolved from.
type DefSource string

const (
	DefProject DefSource = "project" // agent-defs/{capability}.md
	DefBuiltin DefSource = "builtin" // embedded default
)

// Definition returns the base definition for a capability: the text
// appended to the agent's system prompt at spawn. A project-level
// agent-defs/{capability}.md overrides the embedded default.
func Definition(paths config.Paths, c Capability) (string, DefSource, error) {
	file := filepath.Join(paths.AgentDefsDir(), string(c)+".md")
	if data, err := os.ReadFile(file); err == nil {
		return string(data), DefProject, nil
	}

	data, err := defsFS.ReadFile("defs/" + string(c) + ".md")
	if err != nil {
		return "", "", errdefs.Agentf("no definition for capability %q", c)
	}
	return string(data), DefBuiltin, nil
}

// DefInfo describes one resolvable capability definition.
type DefInfo struct {
	Capability Capability
	Source     DefSource
}

// ListDefinitions reports every capability definition and where it
// resolves from. agents discover renders this next to the manifest.
func ListDefinitions(paths config.Paths) []DefInfo {
	overridden := map[string]bool{}
	if entries, err := os.ReadDir(paths.AgentDefsDir()); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if ext := filepath.Ext(e.Name()); ext == ".md" {
				overridden[e.Name()[:len(e.Name())-len(ext)]] = true
			}
		}
	}

	infos := make([]DefInfo, 0, len(All()))
	for _, c := range All() {
		src := DefBuiltin
		if overridden[string(c)] {
			src = DefProject
		}
		infos = append(infos, DefInfo{Capability: c, Source: src})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Capability < infos[j].Capability
	})
	return infos
}

// ProvisionDefs materializes the embedded definitions into the
// project's agent-defs directory so operators can edit them. Existing
// files are never overwritten.
func ProvisionDefs(paths config.Paths) error {
	dir := paths.AgentDefsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "creating agent-defs directory")
	}

	entries, err := defsFS.ReadDir("defs")
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "reading embedded defs")
	}
	for _, e := range entries {
		dest := filepath.Join(dir, e.Name())
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		data, err := defsFS.ReadFile("defs/" + e.Name())
		if err != nil {
			return errdefs.Wrap(errdefs.KindConfig, err, "reading embedded def")
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return errdefs.Wrap(errdefs.KindConfig, err, "writing "+e.Name())
		}
	}
	return nil
}
