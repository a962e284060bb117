// Package agent manages the durable per-agent artifacts that live
// outside the session stores: the capability taxonomy, the agent
// manifest (capability to model and spawn rights), identity records
// accumulated across lifetimes, capability base definitions, and
// compaction checkpoints.
package agent

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

// Capability is the role an agent runs as. It determines the model,
// the tool allow-list enforced by hooks, spawn rights, and the base
// definition appended to the system prompt.
type Capability string

const (
	Scout       Capability = "scout"
	Builder     Capability = "builder"
	Reviewer    Capability = "reviewer"
	Lead        Capability = "lead"
	Merger      Capability = "merger"
	Supervisor  Capability = "supervisor"
	Coordinator Capability = "coordinator"
	Monitor     Capability = "monitor"
)

// All returns every supported capability in display order.
func All() []Capability {
	return []Capability{
		Scout, Builder, Reviewer, Lead,
		Merger, Supervisor, Coordinator, Monitor,
	}
}

// Parse validates a capability string from user input.
func Parse(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", errdefs.Validationf(
			"unknown capability %q (supported: %s)", s, supportedList())
	}
	return c, nil
}

// Valid reports whether c is one of the supported capabilities.
func (c Capability) Valid() bool {
	switch c {
	case Scout, Builder, Reviewer, Lead, Merger, Supervisor, Coordinator, Monitor:
		return true
	}
	return false
}

// ReadOnly reports whether agents of this capability are denied
// file-mutating tools by the deployed hooks.
func (c Capability) ReadOnly() bool {
	switch c {
	case Scout, Reviewer, Monitor:
		return true
	}
	return false
}

// Supervisory reports whether the capability runs on the canonical
// branch rather than a per-task worker branch. Supervisory agents are
// long-lived and are not bound to a single bead.
func (c Capability) Supervisory() bool {
	switch c {
	case Supervisor, Coordinator, Monitor:
		return true
	}
	return false
}

// Title returns the capability name in title case for human output.
func (c Capability) Title() string {
	return cases.Title(language.English).String(string(c))
}

func (c Capability) String() string { return string(c) }

func supportedList() string {
	parts := make([]string, 0, len(All()))
	for _, c := range All() {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, "|")
}
