package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <agent|capability|bead>",
	GroupID: GroupAgents,
	Short:   "Deep view of an agent, capability, or task",
	Long: `Inspect renders what overstory knows about its argument:

  agent       identity CV, current session, recent events, checkpoint
  capability  the base definition deployed to agents of that role
  bead        the task brief and the sessions bound to it`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	name := args[0]

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if c, err := agent.Parse(name); err == nil {
		return inspectCapability(a, c)
	}
	if id, ok, err := agent.LoadIdentity(a.Paths, name); err != nil {
		return err
	} else if ok {
		return inspectAgent(a, id)
	}
	if _, err := os.Stat(a.Paths.SpecFile(name)); err == nil {
		return inspectBead(a, name)
	}
	return errdefs.Validationf("nothing named %q: not an agent, capability, or bead with a spec", name).
		WithHint("list agents with `overstory status`, capabilities with `overstory agents discover`")
}

func inspectCapability(a *app, c agent.Capability) error {
	definition, source, err := agent.Definition(a.Paths, c)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]string{
			"capability": string(c),
			"source":     string(source),
			"definition": definition,
		})
	}
	var md strings.Builder
	fmt.Fprintf(&md, "# %s (%s definition)\n\n", c.Title(), source)
	md.WriteString(definition)
	fmt.Fprint(out(), renderMarkdown(md.String()))
	return nil
}

type inspectAgentView struct {
	Identity   *agent.Identity   `json:"identity"`
	Session    *store.Session    `json:"session,omitempty"`
	Checkpoint *agent.Checkpoint `json:"checkpoint,omitempty"`
	Events     []eventView       `json:"events,omitempty"`
}

func inspectAgent(a *app, id *agent.Identity) error {
	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	events, err := a.Events()
	if err != nil {
		return err
	}

	view := inspectAgentView{Identity: id}
	if sess, ok, err := sessions.GetByName(id.Name); err == nil && ok {
		view.Session = &sess
	}
	if cp, ok, err := agent.LoadCheckpoint(a.Paths, id.Name); err == nil && ok {
		view.Checkpoint = cp
	}
	if recent, err := events.List(store.EventFilter{Agent: id.Name, Limit: 10, Descending: true}); err == nil {
		view.Events = eventViews(recent)
	}

	if jsonOut {
		return printJSON(view)
	}

	now := time.Now()
	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", id.Name)
	fmt.Fprintf(&md, "- capability: %s\n", id.Capability)
	fmt.Fprintf(&md, "- sessions: %d (last %s ago)\n", id.SessionCount, humanAge(id.LastSessionAt, now))
	if len(id.Domains) > 0 {
		fmt.Fprintf(&md, "- domains: %s\n", strings.Join(id.Domains, ", "))
	}
	for capability, n := range id.History {
		if capability != id.Capability {
			fmt.Fprintf(&md, "- also ran as %s (%d)\n", capability, n)
		}
	}

	if s := view.Session; s != nil {
		fmt.Fprintf(&md, "\n## Session\n\n")
		fmt.Fprintf(&md, "- state: %s (activity %s ago)\n", s.State, humanAge(s.LastActivity, now))
		if s.BeadID != "" {
			fmt.Fprintf(&md, "- bead: %s\n", s.BeadID)
		}
		fmt.Fprintf(&md, "- branch: `%s`\n", s.BranchName)
		fmt.Fprintf(&md, "- worktree: `%s`\n", s.WorktreePath)
		if s.ParentAgent != "" {
			fmt.Fprintf(&md, "- parent: %s\n", s.ParentAgent)
		}
	}

	if cp := view.Checkpoint; cp != nil {
		fmt.Fprintf(&md, "\n## Checkpoint (%s ago)\n\n%s\n", humanAge(cp.SavedAt, now), cp.Progress)
		for _, p := range cp.PendingWork {
			fmt.Fprintf(&md, "- [ ] %s\n", p)
		}
	}

	if len(view.Events) > 0 {
		fmt.Fprintf(&md, "\n## Recent events\n\n")
		fmt.Fprintf(&md, "| time | type | tool | duration |\n|---|---|---|---|\n")
		for _, ev := range view.Events {
			fmt.Fprintf(&md, "| %s | %s | %s | %s |\n",
				ev.CreatedAt.Format("15:04:05"), ev.Type, orDash(ev.Tool), humanMs(ev.DurationMs))
		}
	}

	fmt.Fprint(out(), renderMarkdown(md.String()))
	return nil
}

func inspectBead(a *app, bead string) error {
	brief, err := os.ReadFile(a.Paths.SpecFile(bead))
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, err, "reading task brief")
	}
	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	all, err := sessions.GetAll()
	if err != nil {
		return err
	}
	var bound []store.Session
	for _, s := range all {
		if s.BeadID == bead {
			bound = append(bound, s)
		}
	}

	if jsonOut {
		return printJSON(map[string]any{
			"bead":     bead,
			"brief":    string(brief),
			"sessions": bound,
		})
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", bead)
	if len(bound) > 0 {
		for _, s := range bound {
			fmt.Fprintf(&md, "- %s (%s, %s)\n", s.AgentName, s.Capability, s.State)
		}
		md.WriteString("\n---\n\n")
	}
	md.Write(brief)
	fmt.Fprint(out(), renderMarkdown(md.String()))
	return nil
}
