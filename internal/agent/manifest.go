package agent

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/util"
)

// DefaultModel is the final fallback when neither config.models nor
// the manifest resolves a model for a capability.
const DefaultModel = "sonnet"

// Profile is one manifest entry: how agents of a capability run.
type Profile struct {
	// Model is the manifest-level model default for the capability.
	// config.models[capability] overrides it.
	Model string `json:"model"`

	// CanSpawn grants the capability the right to sling child agents.
	CanSpawn bool `json:"canSpawn"`

	// Capabilities lists ability tags ("read", "edit", "bash", "mail",
	// "spawn", "merge", "nudge") consumed by the hook deployer and by
	// agents discover.
	Capabilities []string `json:"capabilities"`
}

// Allows reports whether the profile carries an ability tag.
func (p Profile) Allows(ability string) bool {
	for _, a := range p.Capabilities {
		if a == ability {
			return true
		}
	}
	return false
}

// Manifest maps capability names to profiles. The on-disk form is
// agent-manifest.json at the top of the .overstory directory.
type Manifest map[string]Profile

// DefaultManifest returns the compiled-in manifest covering every
// supported capability.
func DefaultManifest() Manifest {
	return Manifest{
		string(Scout):       {Model: "sonnet", Capabilities: []string{"read", "search", "mail"}},
		string(Builder):     {Model: "sonnet", Capabilities: []string{"read", "edit", "bash", "mail"}},
		string(Reviewer):    {Model: "sonnet", Capabilities: []string{"read", "mail"}},
		string(Lead):        {Model: "opus", CanSpawn: true, Capabilities: []string{"read", "edit", "bash", "mail", "spawn"}},
		string(Merger):      {Model: "sonnet", Capabilities: []string{"read", "edit", "bash", "mail", "merge"}},
		string(Supervisor):  {Model: "opus", CanSpawn: true, Capabilities: []string{"read", "edit", "bash", "mail", "spawn", "merge"}},
		string(Coordinator): {Model: "opus", CanSpawn: true, Capabilities: []string{"read", "edit", "bash", "mail", "spawn", "merge"}},
		string(Monitor):     {Model: "haiku", Capabilities: []string{"read", "mail", "nudge"}},
	}
}

// LoadManifest reads agent-manifest.json from path. A missing file is
// not an error: the compiled defaults apply. Entries in the file
// override the default for their capability; capabilities the file
// does not mention keep their defaults.
func LoadManifest(path string) (Manifest, error) {
	m := DefaultManifest()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "reading agent manifest")
	}

	var overrides Manifest
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "parsing agent manifest")
	}
	for name, p := range overrides {
		m[name] = p
	}
	return m, nil
}

// SaveManifest writes the manifest to path atomically. init uses it
// to scaffold agent-manifest.json from the defaults.
func SaveManifest(path string, m Manifest) error {
	if err := util.AtomicWriteJSON(path, m); err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "writing agent manifest")
	}
	return nil
}

// Profile returns the entry for a capability, falling back to a
// minimal profile with the package default model.
func (m Manifest) Profile(c Capability) Profile {
	if p, ok := m[string(c)]; ok {
		return p
	}
	return Profile{Model: DefaultModel}
}

// ModelFor returns the manifest-level model default for a capability.
func (m Manifest) ModelFor(c Capability) string {
	p := m.Profile(c)
	if p.Model == "" {
		return DefaultModel
	}
	return p.Model
}

// Names returns the manifest's capability names sorted for display.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
