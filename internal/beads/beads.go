// Package beads wraps the bd issue tracker CLI. All bd traffic funnels
// through here so binary resolution and JSON parsing live in one
// place; bd itself is an opaque collaborator.
package beads

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/proc"
)

// Bead statuses that accept new work.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
)

// Bead is one tracker issue, decoded from bd's JSON.
type Bead struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Assignee    string `json:"assignee"`
	IssueType   string `json:"issue_type"`
	Priority    int    `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Workable reports whether an agent may be bound to this bead.
func (b Bead) Workable() bool {
	return b.Status == StatusOpen || b.Status == StatusInProgress
}

// Client invokes bd. Enabled=false turns every call into a cheap
// success so projects without a tracker still sling agents.
type Client struct {
	Enabled bool
	Dir     string
	runner  proc.Runner
	binary  string
}

// New returns a Client rooted at dir.
func New(dir string, enabled bool) *Client {
	return &Client{Enabled: enabled, Dir: dir, runner: proc.Real{}, binary: resolveBinary()}
}

// NewWithRunner substitutes the subprocess runner, for tests.
func NewWithRunner(dir string, enabled bool, r proc.Runner) *Client {
	return &Client{Enabled: enabled, Dir: dir, runner: r, binary: "bd"}
}

// resolveBinary prefers ~/.local/bin/bd over PATH, matching how bd
// installs itself.
func resolveBinary() string {
	if home, err := os.UserHomeDir(); err == nil {
		local := filepath.Join(home, ".local", "bin", "bd")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	if path, err := exec.LookPath("bd"); err == nil {
		return path
	}
	return "bd"
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	res, err := c.runner.Run(ctx, proc.Options{Name: c.binary, Args: args, Dir: c.Dir})
	if err != nil {
		return "", errdefs.Beadsf("bd %s: %v", strings.Join(args, " "), err)
	}
	return res.Stdout, nil
}

// Show loads one bead. bd prints a single-element JSON array.
func (c *Client) Show(ctx context.Context, id string) (Bead, error) {
	if !c.Enabled {
		return Bead{}, errdefs.Beadsf("beads integration is disabled")
	}
	out, err := c.run(ctx, "show", id, "--json")
	if err != nil {
		return Bead{}, err
	}
	var beads []Bead
	if err := json.Unmarshal([]byte(out), &beads); err != nil {
		// Older bd releases print a bare object.
		var single Bead
		if err2 := json.Unmarshal([]byte(out), &single); err2 == nil && single.ID != "" {
			return single, nil
		}
		return Bead{}, errdefs.Beadsf("parsing bd show output: %v", err)
	}
	if len(beads) == 0 {
		return Bead{}, errdefs.Beadsf("bead not found: %s", id)
	}
	return beads[0], nil
}

// CheckWorkable verifies a bead accepts work. This is the sling gate:
// a closed or blocked bead refuses a new agent.
func (c *Client) CheckWorkable(ctx context.Context, id string) error {
	if !c.Enabled || id == "" {
		return nil
	}
	bead, err := c.Show(ctx, id)
	if err != nil {
		return err
	}
	if !bead.Workable() {
		return errdefs.Validationf("bead %s has status %q; only open or in_progress beads are workable", id, bead.Status)
	}
	return nil
}

// List queries beads by status. Empty status lists everything.
func (c *Client) List(ctx context.Context, status string) ([]Bead, error) {
	if !c.Enabled {
		return nil, nil
	}
	args := []string{"list", "--json"}
	if status != "" {
		args = append(args, "--status="+status)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var beads []Bead
	if err := json.Unmarshal([]byte(out), &beads); err != nil {
		return nil, errdefs.Beadsf("parsing bd list output: %v", err)
	}
	return beads, nil
}

// Update sets status and optionally assignee on a bead. Best-effort
// callers ignore the error; the tracker is advisory, not load-bearing.
func (c *Client) Update(ctx context.Context, id, status, assignee string) error {
	if !c.Enabled {
		return nil
	}
	args := []string{"update", id, "--status=" + status}
	if assignee != "" {
		args = append(args, "--assignee="+assignee)
	}
	_, err := c.run(ctx, args...)
	return err
}

// Close marks a bead finished.
func (c *Client) Close(ctx context.Context, id string) error {
	if !c.Enabled {
		return nil
	}
	_, err := c.run(ctx, "close", id)
	return err
}

// Available reports whether the bd binary can be found at all.
func (c *Client) Available() bool {
	if !c.Enabled {
		return false
	}
	if filepath.IsAbs(c.binary) {
		_, err := os.Stat(c.binary)
		return err == nil
	}
	return proc.LookPath(c.binary)
}

// Fprint writes a short human summary of a bead.
func Fprint(b Bead) string {
	return fmt.Sprintf("%s [%s] %s", b.ID, b.Status, b.Title)
}
