package cmd

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/beads"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/dashboard"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/merge"
	"github.com/overstory-ai/overstory/internal/mulch"
	"github.com/overstory-ai/overstory/internal/prime"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/sling"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/tmux"
	"github.com/overstory-ai/overstory/internal/watchdog"
)

// app wires one command invocation to its project: root discovery,
// loaded config, and lazily opened stores. Stores open on first use so
// read-only commands touch only the databases they query. Close
// releases whatever was actually opened.
type app struct {
	Root   string
	Paths  config.Paths
	Config *config.Config

	sessions *store.SessionStore
	events   *store.EventStore
	mailbox  *store.MailStore
	metrics  *store.MetricsStore
	queue    *store.MergeQueue
	runs     *runstate.Store

	closers []io.Closer
}

// openApp locates the project from the working directory and loads
// its configuration.
func openApp() (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "resolving working directory")
	}
	root, err := config.FindRoot(cwd)
	if err != nil {
		return nil, err
	}
	return openAppAt(root)
}

func openAppAt(root string) (*app, error) {
	cfg, err := config.Load(config.OverstoryDir(root))
	if err != nil {
		return nil, err
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = root
	}
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(root)
	}
	for _, note := range cfg.Deprecations {
		style.PrintWarning("%s", note)
	}
	return &app{
		Root:   root,
		Paths:  config.NewPaths(root),
		Config: cfg,
		runs:   runstate.New(config.OverstoryDir(root)),
	}, nil
}

// Close releases opened stores in reverse order. Errors are swallowed:
// nothing actionable remains at process exit.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

func (a *app) Sessions() (*store.SessionStore, error) {
	if a.sessions == nil {
		s, err := store.OpenSessionStore(a.Paths.SessionsDB(), a.Paths.LegacySessionsJSON())
		if err != nil {
			return nil, err
		}
		a.sessions = s
		a.closers = append(a.closers, s)
	}
	return a.sessions, nil
}

func (a *app) Events() (*store.EventStore, error) {
	if a.events == nil {
		s, err := store.OpenEventStore(a.Paths.EventsDB())
		if err != nil {
			return nil, err
		}
		a.events = s
		a.closers = append(a.closers, s)
	}
	return a.events, nil
}

func (a *app) Mail() (*store.MailStore, error) {
	if a.mailbox == nil {
		s, err := store.OpenMailStore(a.Paths.MailDB())
		if err != nil {
			return nil, err
		}
		a.mailbox = s
		a.closers = append(a.closers, s)
	}
	return a.mailbox, nil
}

func (a *app) Metrics() (*store.MetricsStore, error) {
	if a.metrics == nil {
		s, err := store.OpenMetricsStore(a.Paths.MetricsDB())
		if err != nil {
			return nil, err
		}
		a.metrics = s
		a.closers = append(a.closers, s)
	}
	return a.metrics, nil
}

func (a *app) Queue() (*store.MergeQueue, error) {
	if a.queue == nil {
		s, err := store.OpenMergeQueue(a.Paths.MergeQueueDB())
		if err != nil {
			return nil, err
		}
		a.queue = s
		a.closers = append(a.closers, s)
	}
	return a.queue, nil
}

func (a *app) Runs() *runstate.Store { return a.runs }

func (a *app) Git() *git.Git { return git.New(a.Root) }

func (a *app) Beads() *beads.Client {
	return beads.New(a.Root, a.Config.Beads.Enabled)
}

func (a *app) Mulch() *mulch.Client {
	m := a.Config.Mulch
	return mulch.New(a.Root, m.Enabled, m.Domains, m.PrimeFormat)
}

func (a *app) Provider() (*provider.Provider, error) {
	return provider.New("", a.Config)
}

// broker assembles the mail broker over its stores.
func (a *app) broker() (*mail.Broker, error) {
	mbox, err := a.Mail()
	if err != nil {
		return nil, err
	}
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	events, err := a.Events()
	if err != nil {
		return nil, err
	}
	return &mail.Broker{
		Mail:     mbox,
		Sessions: sessions,
		Events:   events,
		Runs:     a.Runs(),
		Paths:    a.Paths,
		Warnings: os.Stderr,
	}, nil
}

// scheduler assembles the sling scheduler with live collaborators.
func (a *app) scheduler() (*sling.Scheduler, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	events, err := a.Events()
	if err != nil {
		return nil, err
	}
	prov, err := a.Provider()
	if err != nil {
		return nil, err
	}
	return &sling.Scheduler{
		Config:   a.Config,
		Paths:    a.Paths,
		Sessions: sessions,
		Events:   events,
		Git:      a.Git(),
		Tmux:     tmux.New(),
		Provider: prov,
		Beads:    a.Beads(),
		Runs:     a.Runs(),
		Output:   out(),
	}, nil
}

// mergeEngine assembles the tiered resolver.
func (a *app) mergeEngine() (*merge.Engine, error) {
	queue, err := a.Queue()
	if err != nil {
		return nil, err
	}
	prov, err := a.Provider()
	if err != nil {
		return nil, err
	}
	man, err := agent.LoadManifest(a.Paths.ManifestFile())
	if err != nil {
		man = agent.DefaultManifest()
	}
	return &merge.Engine{
		Queue:            queue,
		Git:              a.Git(),
		Runs:             a.Runs(),
		Root:             a.Root,
		Provider:         prov,
		Model:            a.Config.ModelFor(string(agent.Merger), man.ModelFor(agent.Merger)),
		AIResolveEnabled: a.Config.Merge.AIResolveEnabled,
		ReimagineEnabled: a.Config.Merge.ReimagineEnabled,
		CanonicalBranch:  a.Config.Project.CanonicalBranch,
		Output:           out(),
	}, nil
}

// watchdogEngine assembles the tier 0 watchdog. SpawnMonitor is left
// nil; services that respawn the tier 2 monitor wire it themselves.
func (a *app) watchdogEngine() (*watchdog.Watchdog, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	events, err := a.Events()
	if err != nil {
		return nil, err
	}
	prov, err := a.Provider()
	if err != nil {
		return nil, err
	}
	return &watchdog.Watchdog{
		Config:   a.Config,
		Paths:    a.Paths,
		Sessions: sessions,
		Events:   events,
		Tmux:     tmux.New(),
		Provider: prov,
		Runs:     a.Runs(),
		Output:   out(),
	}, nil
}

// primeBuilder assembles the context-packet builder.
func (a *app) primeBuilder() (*prime.Builder, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return nil, err
	}
	return &prime.Builder{
		Config:   a.Config,
		Paths:    a.Paths,
		Sessions: sessions,
		Runs:     a.Runs(),
		Mulch:    a.Mulch(),
		Beads:    a.Beads(),
	}, nil
}

// sources assembles the read-only snapshot sources shared by status,
// dashboard, and web.
func (a *app) sources() (dashboard.Sources, error) {
	sessions, err := a.Sessions()
	if err != nil {
		return dashboard.Sources{}, err
	}
	mbox, err := a.Mail()
	if err != nil {
		return dashboard.Sources{}, err
	}
	queue, err := a.Queue()
	if err != nil {
		return dashboard.Sources{}, err
	}
	return dashboard.Sources{
		Project:  a.Config.Project.Name,
		Sessions: sessions,
		Mail:     mbox,
		Queue:    queue,
		Runs:     a.Runs(),
	}, nil
}

// out is the destination for human progress lines. Quiet mode drops
// them; JSON results print to stdout regardless.
func out() io.Writer {
	if quiet {
		return io.Discard
	}
	return os.Stdout
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// agentEnvVar names the variable the scheduler exports into every
// agent pane. Hooks and self-referential commands read it back.
const agentEnvVar = "OVERSTORY_AGENT_NAME"

// detectAgent resolves the acting agent: inside a pane the scheduler's
// env var names it, outside the operator acts as "operator".
func detectAgent() string {
	if name := os.Getenv(agentEnvVar); name != "" {
		return name
	}
	return "operator"
}
