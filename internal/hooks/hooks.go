// Package hooks manages the Claude Code hook configuration deployed
// into every agent worktree. A built-in per-capability default is
// merged with project overrides from hooks.json, then written into the
// worktree's .claude/settings.json. Every deployed command carries an
// environment guard so hooks fire only inside overstory-managed panes.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
)

// Hook is an individual hook command.
type Hook struct {
	Type    string `json:"type"` // "command"
	Command string `json:"command"`
}

// HookEntry pairs a tool matcher with its hooks.
type HookEntry struct {
	Matcher string `json:"matcher"`
	Hooks   []Hook `json:"hooks"`
}

// HooksConfig is the hooks section of a Claude Code settings.json.
type HooksConfig struct {
	PreToolUse       []HookEntry `json:"PreToolUse,omitempty"`
	PostToolUse      []HookEntry `json:"PostToolUse,omitempty"`
	SessionStart     []HookEntry `json:"SessionStart,omitempty"`
	Stop             []HookEntry `json:"Stop,omitempty"`
	PreCompact       []HookEntry `json:"PreCompact,omitempty"`
	UserPromptSubmit []HookEntry `json:"UserPromptSubmit,omitempty"`
}

// EventTypes lists the hook event names in display order.
var EventTypes = []string{"PreToolUse", "PostToolUse", "SessionStart", "Stop", "PreCompact", "UserPromptSubmit"}

// GetEntries returns the entries for one event type.
func (c *HooksConfig) GetEntries(eventType string) []HookEntry {
	switch eventType {
	case "PreToolUse":
		return c.PreToolUse
	case "PostToolUse":
		return c.PostToolUse
	case "SessionStart":
		return c.SessionStart
	case "Stop":
		return c.Stop
	case "PreCompact":
		return c.PreCompact
	case "UserPromptSubmit":
		return c.UserPromptSubmit
	default:
		return nil
	}
}

// SetEntries replaces the entries for one event type.
func (c *HooksConfig) SetEntries(eventType string, entries []HookEntry) {
	switch eventType {
	case "PreToolUse":
		c.PreToolUse = entries
	case "PostToolUse":
		c.PostToolUse = entries
	case "SessionStart":
		c.SessionStart = entries
	case "Stop":
		c.Stop = entries
	case "PreCompact":
		c.PreCompact = entries
	case "UserPromptSubmit":
		c.UserPromptSubmit = entries
	}
}

// ToMap returns the non-empty event types for iteration.
func (c *HooksConfig) ToMap() map[string][]HookEntry {
	m := make(map[string][]HookEntry)
	for _, et := range EventTypes {
		if entries := c.GetEntries(et); len(entries) > 0 {
			m[et] = entries
		}
	}
	return m
}

// envGuard exits the hook before anything runs when the pane is not an
// overstory-managed agent.
const envGuard = `[ -n "${OVERSTORY_AGENT_NAME:-}" ] || exit 1; `

func guarded(cmd string) Hook {
	return Hook{Type: "command", Command: envGuard + cmd}
}

// Default builds the hook configuration deployed for a capability.
// The PreToolUse gate carries the capability so tool policy is decided
// without a store lookup from inside the worktree.
func Default(c agent.Capability) *HooksConfig {
	return &HooksConfig{
		SessionStart: []HookEntry{{
			Matcher: "",
			Hooks:   []Hook{guarded("overstory prime")},
		}},
		UserPromptSubmit: []HookEntry{{
			Matcher: "",
			Hooks:   []Hook{guarded(`overstory mail check --inject --debounce 2000 --agent "$OVERSTORY_AGENT_NAME"`)},
		}},
		PreToolUse: []HookEntry{{
			Matcher: "",
			Hooks:   []Hook{guarded(fmt.Sprintf("overstory hooks gate --capability %s", c))},
		}},
		PostToolUse: []HookEntry{{
			Matcher: "",
			Hooks:   []Hook{guarded("overstory log --stdin")},
		}},
		Stop: []HookEntry{{
			Matcher: "",
			Hooks:   []Hook{guarded("overstory log session-end --stdin")},
		}},
		PreCompact: []HookEntry{{
			Matcher: "",
			Hooks:   []Hook{guarded("overstory hooks checkpoint")},
		}},
	}
}

// LoadProjectHooks reads hooks.json, a map of override configs keyed
// by "all" or a capability name. A missing file means no overrides.
func LoadProjectHooks(p config.Paths) (map[string]*HooksConfig, error) {
	data, err := os.ReadFile(p.HooksFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "reading hooks.json")
	}
	overrides := make(map[string]*HooksConfig)
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "parsing hooks.json")
	}
	return overrides, nil
}

// Merge layers an override onto a base config. Per event type: an
// override entry with the same matcher replaces the base entry, an
// empty hook list removes it, and new matchers are appended. Event
// types absent from the override pass through untouched.
func Merge(base, override *HooksConfig) *HooksConfig {
	if base == nil {
		base = &HooksConfig{}
	}
	result := cloneConfig(base)
	if override == nil {
		return result
	}
	for _, et := range EventTypes {
		result.SetEntries(et, mergeEntries(result.GetEntries(et), override.GetEntries(et)))
	}
	return result
}

func mergeEntries(base, override []HookEntry) []HookEntry {
	if len(override) == 0 {
		return base
	}

	overrideByMatcher := make(map[string]HookEntry, len(override))
	for _, entry := range override {
		overrideByMatcher[entry.Matcher] = entry
	}

	var result []HookEntry
	replaced := make(map[string]bool)
	for _, baseEntry := range base {
		if ovEntry, found := overrideByMatcher[baseEntry.Matcher]; found {
			replaced[baseEntry.Matcher] = true
			if len(ovEntry.Hooks) > 0 {
				result = append(result, ovEntry)
			}
			continue
		}
		result = append(result, baseEntry)
	}
	for _, ovEntry := range override {
		if !replaced[ovEntry.Matcher] && len(ovEntry.Hooks) > 0 {
			result = append(result, ovEntry)
		}
	}
	return result
}

func cloneConfig(cfg *HooksConfig) *HooksConfig {
	out := &HooksConfig{}
	for _, et := range EventTypes {
		out.SetEntries(et, cloneEntries(cfg.GetEntries(et)))
	}
	return out
}

func cloneEntries(entries []HookEntry) []HookEntry {
	if entries == nil {
		return nil
	}
	result := make([]HookEntry, len(entries))
	for i, e := range entries {
		result[i] = HookEntry{Matcher: e.Matcher, Hooks: make([]Hook, len(e.Hooks))}
		copy(result[i].Hooks, e.Hooks)
	}
	return result
}
