// Package doctor runs health checks over a project: the tools agents
// need on PATH, the git and tmux substrate, config validity, and the
// state under .overstory/. Checks never mutate anything.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// Status is the outcome of a single check.
type Status string

const (
	// StatusOK means the check passed.
	StatusOK Status = "ok"
	// StatusWarning means something is off but agents can still run.
	StatusWarning Status = "warning"
	// StatusError means the project cannot orchestrate agents.
	StatusError Status = "error"
)

// Result is the outcome of one check.
type Result struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message"`
	Details []string      `json:"details,omitempty"`
	FixHint string        `json:"fix_hint,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Check is one health probe.
type Check interface {
	// Name is the stable check identifier.
	Name() string
	// Run executes the probe. It reports problems through the
	// Result, never an error.
	Run(ctx context.Context, env *Env) Result
}

// Env is everything checks read. Function fields are injectable for
// tests; zero values fall back to the real thing.
type Env struct {
	Root      string
	Paths     config.Paths
	Config    *config.Config
	ConfigErr error

	Tmux     *tmux.Tmux
	LookPath func(file string) (string, error)
	Getenv   func(key string) string
}

// NewEnv wires a live environment for the project at root. A config
// load failure is captured for the config check rather than returned,
// so the rest of the suite still runs against defaults.
func NewEnv(root string) *Env {
	env := &Env{
		Root:  root,
		Paths: config.NewPaths(root),
		Tmux:  tmux.New(),
	}
	cfg, err := config.Load(config.OverstoryDir(root))
	if err != nil {
		cfg = config.Defaults()
	}
	env.Config = cfg
	env.ConfigErr = err
	return env
}

func (e *Env) lookPath(file string) (string, error) {
	if e.LookPath != nil {
		return e.LookPath(file)
	}
	return exec.LookPath(file)
}

func (e *Env) getenv(key string) string {
	if e.Getenv != nil {
		return e.Getenv(key)
	}
	return os.Getenv(key)
}

// Summary counts check outcomes.
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Warnings int `json:"warnings"`
	Failures int `json:"failures"`
}

// Report is the full suite outcome.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Checks    []Result  `json:"checks"`
	Summary   Summary   `json:"summary"`
}

// Add appends a result and updates the summary.
func (r *Report) Add(res Result) {
	r.Checks = append(r.Checks, res)
	r.Summary.Total++
	switch res.Status {
	case StatusOK:
		r.Summary.Passed++
	case StatusWarning:
		r.Summary.Warnings++
	case StatusError:
		r.Summary.Failures++
	}
}

// Failed reports whether any required check errored. Warnings never
// fail the suite.
func (r *Report) Failed() bool { return r.Summary.Failures > 0 }

// Doctor holds the registered checks.
type Doctor struct {
	checks []Check
}

// New returns a Doctor with the standard suite registered.
func New() *Doctor {
	d := &Doctor{}
	d.Register(
		&configCheck{},
		&gitRepoCheck{},
		&tmuxCheck{},
		&providerCheck{},
		&beadsCheck{},
		&mulchCheck{},
		&storesCheck{},
		&worktreesCheck{},
		&walCheck{},
	)
	return d
}

// Register appends checks to the suite.
func (d *Doctor) Register(checks ...Check) {
	d.checks = append(d.checks, checks...)
}

// Run executes every check in order.
func (d *Doctor) Run(ctx context.Context, env *Env) *Report {
	report := &Report{CheckedAt: time.Now()}
	for _, check := range d.checks {
		start := time.Now()
		res := check.Run(ctx, env)
		res.Elapsed = time.Since(start)
		if res.Name == "" {
			res.Name = check.Name()
		}
		report.Add(res)
	}
	return report
}

// Print renders the human report: one line per check, detail and fix
// lines beneath the ones that need attention, then the tally.
func (r *Report) Print(w io.Writer) {
	width := 0
	for _, res := range r.Checks {
		if len(res.Name) > width {
			width = len(res.Name)
		}
	}

	for _, res := range r.Checks {
		fmt.Fprintf(w, "  %s %-*s  %s\n", statusIcon(res.Status), width, res.Name, style.Dim.Render(res.Message))
		if res.Status == StatusOK {
			continue
		}
		for _, detail := range res.Details {
			fmt.Fprintf(w, "    %s %s\n", style.Dim.Render("-"), style.Dim.Render(detail))
		}
		if res.FixHint != "" {
			fmt.Fprintf(w, "    %s %s\n", style.Dim.Render("fix:"), res.FixHint)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %d passed  %s %d warnings  %s %d failed\n",
		style.SuccessPrefix, r.Summary.Passed,
		style.WarningPrefix, r.Summary.Warnings,
		style.ErrorPrefix, r.Summary.Failures)

	if flagged := r.flagged(); len(flagged) > 0 {
		fmt.Fprintln(w)
		for _, res := range flagged {
			fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(res.Status), res.Name, res.Message)
		}
	}
}

// flagged returns non-OK results, errors first.
func (r *Report) flagged() []Result {
	var out []Result
	for _, res := range r.Checks {
		if res.Status != StatusOK {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status == StatusError && out[j].Status != StatusError
	})
	return out
}

func statusIcon(s Status) string {
	switch s {
	case StatusOK:
		return style.SuccessPrefix
	case StatusWarning:
		return style.WarningPrefix
	default:
		return style.ErrorPrefix
	}
}
