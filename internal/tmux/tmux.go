// Package tmux drives the terminal multiplexer that hosts agent
// sessions. Every overstory session is project-scoped
// (overstory-{project}-{agent}) so concurrent projects on one machine
// never collide.
//
// Direct key injection into a busy agent corrupts in-flight tool I/O,
// so automated messaging goes through mail nudge markers instead.
// SendKeys exists for the spawn choreography (startup beacon, submit
// keypresses) and for explicit operator use.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/proc"
)

// SessionPrefix namespaces all overstory tmux sessions.
const SessionPrefix = "overstory-"

// Sentinel errors, distinguished so callers can react: a missing
// session is a routine zombie transition, a missing server is an
// environment problem worth a hint.
var (
	ErrNoServer        = errors.New("tmux server not running")
	ErrSessionNotFound = errors.New("tmux session not found")
	ErrSessionExists   = errors.New("tmux session already exists")
)

// queryTimeout bounds tmux control commands when the caller's context
// carries no deadline.
const queryTimeout = 5 * time.Second

// Tmux wraps the tmux CLI. The zero value is not usable; call New.
type Tmux struct {
	runner proc.Runner
}

// New returns a Tmux using the real subprocess runner.
func New() *Tmux {
	return &Tmux{runner: proc.Real{}}
}

// NewWithRunner substitutes the subprocess runner, for tests.
func NewWithRunner(r proc.Runner) *Tmux {
	return &Tmux{runner: r}
}

// SessionName builds the project-scoped session name for an agent.
func SessionName(project, agent string) string {
	return SessionPrefix + project + "-" + agent
}

// run executes tmux with args and classifies failures.
func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, queryTimeout)
		defer cancel()
	}
	res, err := t.runner.Run(ctx, proc.Options{Name: "tmux", Args: args})
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return "", t.wrapError(err, stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// wrapError maps tmux stderr text onto the sentinel errors.
func (t *Tmux) wrapError(err error, stderr string) error {
	msg := strings.ToLower(stderr + " " + err.Error())
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		return fmt.Errorf("%w: %s", ErrNoServer, strings.TrimSpace(stderr))
	case strings.Contains(msg, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(msg, "session not found"),
		strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "no such session"):
		return ErrSessionNotFound
	default:
		return err
	}
}

// HasSession reports whether a session exists. The "=" prefix forces
// exact matching; without it tmux prefix-matches and overstory-x would
// shadow overstory-x-2.
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionNotFound):
		return false, nil
	case errors.Is(err, ErrNoServer):
		return false, nil
	default:
		return false, err
	}
}

// NewSession creates a detached session running command in dir, with
// extra environment variables applied to the pane process.
func (t *Tmux) NewSession(ctx context.Context, name, dir, command string, env map[string]string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	if command != "" {
		args = append(args, command)
	}
	_, err := t.run(ctx, args...)
	return err
}

// KillSession terminates a session and its process tree: SIGTERM to
// the pane's group, a 2 second grace period, then SIGKILL for
// survivors, and finally kill-session for the tmux bookkeeping.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	if pid, err := t.PanePID(ctx, name); err == nil && pid > 0 {
		KillProcessTree(pid, 2*time.Second)
	}
	_, err := t.run(ctx, "kill-session", "-t", "="+name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// ListSessions returns all session names. A missing server means no
// sessions, not an error.
func (t *Tmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ListProjectSessions returns overstory sessions for one project.
func (t *Tmux) ListProjectSessions(ctx context.Context, project string) ([]string, error) {
	all, err := t.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	prefix := SessionPrefix + project + "-"
	var mine []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			mine = append(mine, name)
		}
	}
	return mine, nil
}

// SendKeys pastes text into a session in literal mode, waits for the
// TUI to register it, then submits with a separate Enter. The split
// matters: sending text and Enter together races the CLI's paste
// handling and drops input.
func (t *Tmux) SendKeys(ctx context.Context, name, text string) error {
	if err := t.SendKeysLiteral(ctx, name, text); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	return t.SendEnter(ctx, name)
}

// SendKeysLiteral pastes text without submitting it. The -l flag stops
// tmux from interpreting key names inside the text.
func (t *Tmux) SendKeysLiteral(ctx context.Context, name, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", "="+name, "-l", text)
	return err
}

// SendKeysRaw sends a named key such as Enter, Escape or C-c.
func (t *Tmux) SendKeysRaw(ctx context.Context, name, key string) error {
	_, err := t.run(ctx, "send-keys", "-t", "="+name, key)
	return err
}

// SendEnter sends a bare Enter keypress.
func (t *Tmux) SendEnter(ctx context.Context, name string) error {
	return t.SendKeysRaw(ctx, name, "Enter")
}

// IsPaneInMode reports whether the pane is in copy mode or another
// blocking mode where injected keys would be misinterpreted.
func (t *Tmux) IsPaneInMode(ctx context.Context, name string) bool {
	out, err := t.run(ctx, "display-message", "-p", "-t", "="+name, "#{pane_in_mode}")
	return err == nil && out == "1"
}

// CapturePane returns the last lines of a session's visible pane. A
// lines value of -1 captures the full scrollback.
func (t *Tmux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", "="+name}
	switch {
	case lines < 0:
		args = append(args, "-S", "-")
	case lines > 0:
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	res, err := t.runner.Run(ctx, proc.Options{Name: "tmux", Args: args})
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return "", t.wrapError(err, stderr)
	}
	return res.Stdout, nil
}

// WaitForTuiReady polls the pane until its content is non-empty and
// stable across two consecutive captures, meaning the interactive CLI
// finished drawing and input is safe to send.
func (t *Tmux) WaitForTuiReady(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		content, err := t.CapturePane(ctx, name, 0)
		if err != nil {
			return err
		}
		trimmed := strings.TrimSpace(content)
		if trimmed != "" && trimmed == last {
			return nil
		}
		last = trimmed
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("session %s: pane did not stabilize within %s", name, timeout)
}

// PanePID returns the PID of the session's root pane process.
func (t *Tmux) PanePID(ctx context.Context, name string) (int, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", "="+name, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, convErr)
	}
	return pid, nil
}

// CurrentSessionName returns the session this process runs inside, or
// "" when not under tmux.
func (t *Tmux) CurrentSessionName(ctx context.Context) string {
	if !IsInsideTmux() {
		return ""
	}
	out, err := t.run(ctx, "display-message", "-p", "#{session_name}")
	if err != nil {
		return ""
	}
	return out
}

// IsInsideTmux reports whether the current process runs in a tmux pane.
func IsInsideTmux() bool {
	return os.Getenv("TMUX") != ""
}

// SetPaneStyle applies a visual theme to a session's panes so
// operators can tell capabilities apart at a glance.
func (t *Tmux) SetPaneStyle(ctx context.Context, name string, theme Theme) error {
	_, err := t.run(ctx, "set-option", "-t", "="+name, "window-style", theme.Style())
	return err
}
