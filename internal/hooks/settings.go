package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
)

// SettingsJSON is a worktree's .claude/settings.json. Only the hooks
// section is managed; everything else roundtrips through Extra.
type SettingsJSON struct {
	Hooks HooksConfig
	Extra map[string]json.RawMessage
}

// UnmarshalSettings parses settings.json, preserving unknown fields.
func UnmarshalSettings(data []byte) (*SettingsJSON, error) {
	s := &SettingsJSON{Extra: make(map[string]json.RawMessage)}
	if err := json.Unmarshal(data, &s.Extra); err != nil {
		return nil, err
	}
	if raw, ok := s.Extra["hooks"]; ok {
		if err := json.Unmarshal(raw, &s.Hooks); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MarshalSettings serializes settings with the managed hooks section
// written back over whatever was there. The input is not mutated.
func MarshalSettings(s *SettingsJSON) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+1)
	for k, v := range s.Extra {
		out[k] = v
	}
	raw, err := json.Marshal(s.Hooks)
	if err != nil {
		return nil, err
	}
	out["hooks"] = raw
	return json.MarshalIndent(out, "", "  ")
}

// LoadSettings reads a settings.json, returning an empty value when the
// file does not exist.
func LoadSettings(path string) (*SettingsJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SettingsJSON{Extra: make(map[string]json.RawMessage)}, nil
		}
		return nil, err
	}
	return UnmarshalSettings(data)
}

// SettingsPath returns the managed settings location under a worktree.
func SettingsPath(workDir string) string {
	return filepath.Join(workDir, ".claude", "settings.json")
}

// Remove strips the managed hooks section from a worktree's settings,
// leaving every other key intact. Removing from a worktree that has no
// settings file is a no-op. Returns whether anything was removed.
func Remove(workDir string) (bool, error) {
	path := SettingsPath(workDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errdefs.Wrap(errdefs.KindConfig, err, "reading worktree settings")
	}
	settings, err := UnmarshalSettings(data)
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindConfig, err, "parsing worktree settings")
	}
	if _, ok := settings.Extra["hooks"]; !ok {
		return false, nil
	}
	delete(settings.Extra, "hooks")

	out, err := json.MarshalIndent(settings.Extra, "", "  ")
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindConfig, err, "encoding worktree settings")
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return false, errdefs.Wrap(errdefs.KindConfig, err, "writing worktree settings")
	}
	return true, nil
}

// Deploy writes the hook configuration for a capability into a
// worktree: built-in defaults, then the project's "all" override, then
// the capability-specific override. Re-deploying refreshes the hooks
// section and leaves any other settings keys alone.
func Deploy(p config.Paths, workDir string, c agent.Capability) error {
	cfg := Default(c)
	overrides, err := LoadProjectHooks(p)
	if err != nil {
		return err
	}
	for _, key := range []string{"all", string(c)} {
		if o := overrides[key]; o != nil {
			cfg = Merge(cfg, o)
		}
	}

	path := SettingsPath(workDir)
	settings, err := LoadSettings(path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "reading worktree settings")
	}
	settings.Hooks = *cfg

	data, err := MarshalSettings(settings)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "encoding worktree settings")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "creating .claude directory")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "writing worktree settings")
	}
	return nil
}
