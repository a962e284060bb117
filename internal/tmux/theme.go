package tmux

import (
	"hash/fnv"
)

// Theme is the pane color pair applied to an agent session so
// operators can tell capabilities apart when cycling through panes.
type Theme struct {
	Name string
	BG   string
	FG   string
}

// Style renders the tmux window-style value, e.g. "bg=#1e3a5f,fg=#e0e0e0".
func (t Theme) Style() string {
	return "bg=" + t.BG + ",fg=" + t.FG
}

// Palette holds visually distinct themes with decent contrast. Agents
// whose capability has no fixed theme hash into this set.
var Palette = []Theme{
	{Name: "ocean", BG: "#1e3a5f", FG: "#e0e0e0"},
	{Name: "forest", BG: "#2d5a3d", FG: "#e0e0e0"},
	{Name: "rust", BG: "#8b4513", FG: "#f5f5dc"},
	{Name: "plum", BG: "#4a3050", FG: "#e0e0e0"},
	{Name: "slate", BG: "#4a5568", FG: "#e0e0e0"},
	{Name: "ember", BG: "#b33a00", FG: "#f5f5dc"},
	{Name: "midnight", BG: "#1a1a2e", FG: "#c0c0c0"},
	{Name: "wine", BG: "#722f37", FG: "#f5f5dc"},
	{Name: "teal", BG: "#0d5c63", FG: "#e0e0e0"},
	{Name: "copper", BG: "#6d4c41", FG: "#f5f5dc"},
}

// capabilityThemes pins the common capabilities to fixed colors. The
// coordinator gets gold so the root of the tree is unmistakable.
var capabilityThemes = map[string]Theme{
	"coordinator": {Name: "coordinator", BG: "#3d3200", FG: "#ffd700"},
	"builder":     {Name: "builder", BG: "#1e3a5f", FG: "#e0e0e0"},
	"scout":       {Name: "scout", BG: "#2d5a3d", FG: "#e0e0e0"},
	"reviewer":    {Name: "reviewer", BG: "#4a3050", FG: "#e0e0e0"},
	"lead":        {Name: "lead", BG: "#722f37", FG: "#f5f5dc"},
	"merger":      {Name: "merger", BG: "#0d5c63", FG: "#e0e0e0"},
}

// DefaultTheme is the neutral fallback.
func DefaultTheme() Theme {
	return Theme{Name: "default", BG: "#4a5568", FG: "#e0e0e0"}
}

// ThemeForCapability returns the fixed theme for a known capability,
// or a stable hashed pick from the palette for custom ones.
func ThemeForCapability(capability string) Theme {
	if t, ok := capabilityThemes[capability]; ok {
		return t
	}
	if capability == "" {
		return DefaultTheme()
	}
	return assignTheme(capability, Palette)
}

// assignTheme hashes name into palette so the same capability always
// lands on the same color across machines and restarts.
func assignTheme(name string, palette []Theme) Theme {
	if len(palette) == 0 {
		return DefaultTheme()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return palette[int(h.Sum32())%len(palette)]
}
