// Package mulch wraps the mulch knowledge-store CLI. Mulch accumulates
// per-domain expertise across sessions; overstory only ever asks it
// for a prime packet and feeds it diffs and session transcripts.
//
// Every call here is best-effort from the caller's point of view. An
// agent must spawn and finish even when the knowledge store is broken.
package mulch

import (
	"context"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/proc"
)

// Prime output formats accepted by the CLI.
const (
	FormatMarkdown = "markdown"
	FormatXML      = "xml"
	FormatJSON     = "json"
)

// extractTimeout bounds the extractors, which walk diffs and can take
// a while on big commits without ever being worth blocking an agent.
const extractTimeout = 30 * time.Second

// Client invokes mulch.
type Client struct {
	Enabled bool
	Dir     string
	Domains []string
	Format  string
	runner  proc.Runner
}

// New returns a Client for the configured domains.
func New(dir string, enabled bool, domains []string, format string) *Client {
	if format == "" {
		format = FormatMarkdown
	}
	return &Client{Enabled: enabled, Dir: dir, Domains: domains, Format: format, runner: proc.Real{}}
}

// NewWithRunner substitutes the subprocess runner, for tests.
func NewWithRunner(dir string, enabled bool, domains []string, format string, r proc.Runner) *Client {
	c := New(dir, enabled, domains, format)
	c.runner = r
	return c
}

// Prime returns the expertise packet for this project's domains, or ""
// when mulch is disabled or has nothing to say.
func (c *Client) Prime(ctx context.Context) (string, error) {
	if !c.Enabled {
		return "", nil
	}
	args := []string{"prime", "--format", c.Format}
	for _, d := range c.Domains {
		args = append(args, "--domain", d)
	}
	res, err := c.runner.Run(ctx, proc.Options{Name: "mulch", Args: args, Dir: c.Dir})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ExtractDiff feeds the latest commit in a worktree to the knowledge
// store. Called from the PostToolUse hook after an agent commits.
func (c *Client) ExtractDiff(ctx context.Context, worktree, agent string) error {
	if !c.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()
	_, err := c.runner.Run(ctx, proc.Options{
		Name: "mulch",
		Args: []string{"extract", "diff", "--agent", agent},
		Dir:  worktree,
	})
	return err
}

// Learn runs the end-of-session extractor over an agent's transcript.
func (c *Client) Learn(ctx context.Context, worktree, agent string) error {
	if !c.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()
	_, err := c.runner.Run(ctx, proc.Options{
		Name: "mulch",
		Args: []string{"learn", "--agent", agent},
		Dir:  worktree,
	})
	return err
}

// Available reports whether the mulch binary is on PATH.
func (c *Client) Available() bool {
	return c.Enabled && proc.LookPath("mulch")
}
