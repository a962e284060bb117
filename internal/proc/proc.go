// Package proc runs external commands (git, tmux, bd, mulch, the AI
// CLI) with captured output and context-based cancellation. Every
// subprocess in overstory goes through this package so deadlines and
// error shaping stay uniform.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result captures one finished subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands. The zero value runs them for real; tests
// substitute a scripted fake.
type Runner interface {
	Run(ctx context.Context, opts Options) (*Result, error)
}

// Options describes one invocation.
type Options struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the parent environment
	Stdin string
}

// Real is the production Runner.
type Real struct{}

// Run executes the command and waits. A non-zero exit returns an error
// that includes trimmed stderr; the Result is returned in either case
// so callers can inspect the exit code. Context cancellation kills the
// process.
func (Real) Run(ctx context.Context, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s killed: %w", opts.Name, ctx.Err())
		}
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg == "" {
			return res, fmt.Errorf("%s exited %d", opts.Name, res.ExitCode)
		}
		return res, fmt.Errorf("%s: %s", opts.Name, msg)
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("running %s: %w", opts.Name, err)
	}
}

// Run is a convenience wrapper over the Real runner.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return Real{}.Run(ctx, Options{Name: name, Args: args})
}

// RunIn runs a command in dir.
func RunIn(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	return Real{}.Run(ctx, Options{Name: name, Args: args, Dir: dir})
}

// Output runs a command and returns trimmed stdout.
func Output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// LookPath reports whether a binary is on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
