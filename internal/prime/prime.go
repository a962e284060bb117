// Package prime assembles the context packet injected at agent session
// start and after compaction. The packet is plain markdown: it goes to
// the model, not a terminal.
package prime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/beads"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/mulch"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
)

// Checkpoints older than this are crash debris, not context worth
// restoring.
const checkpointTTL = 24 * time.Hour

// Builder assembles prime packets.
type Builder struct {
	Config   *config.Config
	Paths    config.Paths
	Sessions *store.SessionStore
	Runs     *runstate.Store
	Mulch    *mulch.Client
	Beads    *beads.Client
}

// Options selects the packet variant.
type Options struct {
	Agent string
	// Compact builds the post-compaction packet: expertise is skipped
	// and the saved checkpoint, if fresh, is restored.
	Compact bool
}

// Build renders the packet for one agent. Optional sections degrade
// silently; a packet with less context beats a failed session start.
func (b *Builder) Build(ctx context.Context, opts Options) (string, error) {
	if opts.Agent == "" {
		return "", errdefs.Validationf("prime requires an agent name")
	}

	var sess store.Session
	if b.Sessions != nil {
		s, ok, err := b.Sessions.GetByName(opts.Agent)
		if err != nil {
			return "", errdefs.Wrap(errdefs.KindAgent, err, "loading session")
		}
		if ok {
			sess = s
		}
	}
	capability := agent.Capability(sess.Capability)

	var out strings.Builder
	fmt.Fprintf(&out, "# Overstory: %s\n", opts.Agent)

	b.projectSection(&out)
	b.profileSection(&out, opts.Agent, capability)
	b.activeSection(&out, opts.Agent)

	if !opts.Compact {
		b.expertiseSection(ctx, &out)
	} else {
		b.checkpointSection(&out, opts.Agent)
	}

	b.activationSection(ctx, &out, opts.Agent, sess)
	return out.String(), nil
}

func (b *Builder) projectSection(out *strings.Builder) {
	fmt.Fprintf(out, "\n## Project\n")
	name := b.Config.Project.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(out, "%s, canonical branch %s.\n", name, b.Config.Project.CanonicalBranch)
	if b.Runs != nil {
		if run, err := b.Runs.CurrentRun(); err == nil && run != "" {
			fmt.Fprintf(out, "Current run: %s.\n", run)
		}
	}
}

func (b *Builder) profileSection(out *strings.Builder, name string, c agent.Capability) {
	if !c.Valid() {
		return
	}
	fmt.Fprintf(out, "\n## Your profile\n")

	manifest, err := agent.LoadManifest(b.Paths.ManifestFile())
	if err != nil {
		manifest = agent.DefaultManifest()
	}
	profile := manifest.Profile(c)
	fmt.Fprintf(out, "You are %s, a %s agent on model %s.\n", name, c, profile.Model)
	if len(profile.Capabilities) > 0 {
		fmt.Fprintf(out, "Abilities: %s.\n", strings.Join(profile.Capabilities, ", "))
	}
	if profile.CanSpawn {
		fmt.Fprintf(out, "You may spawn child agents with overstory sling.\n")
	}

	if id, ok, err := agent.LoadIdentity(b.Paths, name); err == nil && ok && id.SessionCount > 0 {
		fmt.Fprintf(out, "This is session %d under this identity.\n", id.SessionCount)
	}
}

func (b *Builder) activeSection(out *strings.Builder, self string) {
	if b.Sessions == nil {
		return
	}
	active, err := b.Sessions.GetActive()
	if err != nil {
		return
	}
	var others []store.Session
	for _, s := range active {
		if s.AgentName != self {
			others = append(others, s)
		}
	}
	fmt.Fprintf(out, "\n## Active agents\n")
	if len(others) == 0 {
		fmt.Fprintf(out, "No other agents are active.\n")
		return
	}
	for _, s := range others {
		line := fmt.Sprintf("- %s (%s, %s", s.AgentName, s.Capability, s.State)
		if s.BeadID != "" {
			line += ", on " + s.BeadID
		}
		fmt.Fprintf(out, "%s)\n", line)
	}
}

func (b *Builder) expertiseSection(ctx context.Context, out *strings.Builder) {
	if b.Mulch == nil {
		return
	}
	packet, err := b.Mulch.Prime(ctx)
	if err != nil || strings.TrimSpace(packet) == "" {
		return
	}
	fmt.Fprintf(out, "\n## Expertise\n%s\n", strings.TrimSpace(packet))
}

func (b *Builder) checkpointSection(out *strings.Builder, name string) {
	cp, ok, err := agent.LoadCheckpoint(b.Paths, name)
	if err != nil || !ok {
		return
	}
	if time.Since(cp.SavedAt) > checkpointTTL {
		_ = agent.ClearCheckpoint(b.Paths, name)
		return
	}

	fmt.Fprintf(out, "\n## Checkpoint\n")
	fmt.Fprintf(out, "Saved %s ago.\n", time.Since(cp.SavedAt).Round(time.Minute))
	if cp.Progress != "" {
		fmt.Fprintf(out, "Progress: %s\n", cp.Progress)
	}
	if len(cp.PendingWork) > 0 {
		fmt.Fprintf(out, "Pending: %s\n", strings.Join(cp.PendingWork, "; "))
	}
	if len(cp.FilesModified) > 0 {
		fmt.Fprintf(out, "Modified files: %s\n", strings.Join(cp.FilesModified, ", "))
	}
	if cp.CurrentBranch != "" {
		fmt.Fprintf(out, "Branch: %s\n", cp.CurrentBranch)
	}
}

func (b *Builder) activationSection(ctx context.Context, out *strings.Builder, name string, sess store.Session) {
	fmt.Fprintf(out, "\n## Activation\n")
	if sess.BeadID == "" {
		fmt.Fprintf(out, "No bead is bound to this session. Check mail and your role protocol for direction:\n")
		fmt.Fprintf(out, "overstory mail check --agent %s\n", name)
		return
	}

	fmt.Fprintf(out, "You are working bead %s", sess.BeadID)
	if b.Beads != nil {
		if bead, err := b.Beads.Show(ctx, sess.BeadID); err == nil && bead.Title != "" {
			fmt.Fprintf(out, ": %s", bead.Title)
		}
	}
	fmt.Fprintf(out, ".\n")
	if sess.BranchName != "" {
		fmt.Fprintf(out, "Your branch is %s. Commit there; never push.\n", sess.BranchName)
	}
	fmt.Fprintf(out, "Check mail first: overstory mail check --agent %s\n", name)
	fmt.Fprintf(out, "When done: overstory mail send --to %s --type worker_done --agent %s\n", parentOrLead(sess), name)
}

func parentOrLead(sess store.Session) string {
	if sess.ParentAgent != "" {
		return sess.ParentAgent
	}
	return "@leads"
}
