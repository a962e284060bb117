// Package provider builds invocations of the AI CLI that powers agent
// panes. The CLI is a black box: overstory composes a command line and
// environment from config, and everything past that is the provider's
// business.
package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/proc"
	"github.com/overstory-ai/overstory/internal/telemetry"
)

// Provider types. A native provider talks to its own backend with its
// own credentials; a gateway provider is pointed at a proxy base URL
// with a token taken from the configured environment variable.
const (
	TypeNative  = "native"
	TypeGateway = "gateway"
)

// Provider is one configured AI backend.
type Provider struct {
	Name         string
	Type         string
	BaseURL      string
	AuthTokenEnv string

	binary string
	runner proc.Runner
}

// New builds a Provider from config. An empty name selects the
// implicit native default.
func New(name string, cfg *config.Config) (*Provider, error) {
	p := &Provider{Name: name, Type: TypeNative, binary: resolveBinary(), runner: proc.Real{}}
	if name == "" {
		return p, nil
	}
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, errdefs.Configf("unknown provider %q", name)
	}
	p.Type = pc.Type
	p.BaseURL = pc.BaseURL
	p.AuthTokenEnv = pc.AuthTokenEnv
	return p, nil
}

// NewWithRunner substitutes the subprocess runner, for tests.
func NewWithRunner(name string, cfg *config.Config, r proc.Runner) (*Provider, error) {
	p, err := New(name, cfg)
	if err != nil {
		return nil, err
	}
	p.runner = r
	p.binary = "claude"
	return p, nil
}

// resolveBinary prefers the CLI's self-managed install location, then
// PATH. Alias-style installs put the real binary under ~/.claude.
func resolveBinary() string {
	if home, err := os.UserHomeDir(); err == nil {
		local := filepath.Join(home, ".claude", "local", "claude")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	if path, err := exec.LookPath("claude"); err == nil {
		return path
	}
	return "claude"
}

// SpawnCommand composes the interactive command line for a new agent
// pane. systemPrompt is the capability definition appended to the
// CLI's own system prompt.
func (p *Provider) SpawnCommand(model, systemPrompt string) string {
	parts := []string{p.binary, "--dangerously-skip-permissions"}
	if model != "" {
		parts = append(parts, "--model", model)
	}
	if systemPrompt != "" {
		parts = append(parts, "--append-system-prompt", shellQuote(systemPrompt))
	}
	return strings.Join(parts, " ")
}

// Env returns the extra pane environment this provider needs. Gateway
// providers route through a proxy: the base URL is pinned and the
// token is copied from the operator's configured variable into the one
// the CLI reads.
func (p *Provider) Env() map[string]string {
	env := map[string]string{}
	if p.Type != TypeGateway {
		return env
	}
	if p.BaseURL != "" {
		env["ANTHROPIC_BASE_URL"] = p.BaseURL
	}
	if p.AuthTokenEnv != "" {
		if token := os.Getenv(p.AuthTokenEnv); token != "" {
			env["ANTHROPIC_AUTH_TOKEN"] = token
		}
	}
	return env
}

// Invoke runs a one-shot, non-interactive prompt and returns the
// response text. The watchdog's triage tier and the merge resolver's
// AI tiers come through here.
func (p *Provider) Invoke(ctx context.Context, model, prompt string) (string, error) {
	args := []string{"-p", "--dangerously-skip-permissions"}
	if model != "" {
		args = append(args, "--model", model)
	}
	var env []string
	for k, v := range p.Env() {
		env = append(env, k+"="+v)
	}
	start := time.Now()
	res, err := p.runner.Run(ctx, proc.Options{
		Name:  p.binary,
		Args:  args,
		Env:   env,
		Stdin: prompt,
	})
	telemetry.RecordProviderCall(ctx, model, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindAgent, err, "provider invocation failed")
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Available reports whether the provider binary can be found.
func (p *Provider) Available() bool {
	if filepath.IsAbs(p.binary) {
		_, err := os.Stat(p.binary)
		return err == nil
	}
	return proc.LookPath(p.binary)
}

// RedactEnv renders an env map for logs, masking anything that looks
// like a credential.
func RedactEnv(env map[string]string) string {
	var parts []string
	for k, v := range env {
		if isSecretKey(k) {
			v = "***"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func isSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"TOKEN", "KEY", "SECRET", "PASSWORD"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// shellQuote wraps s in double quotes with inner escapes so the text
// survives tmux handing the command to a shell.
func shellQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "$", `\$`)
	s = strings.ReplaceAll(s, "`", "\\`")
	return `"` + s + `"`
}

// Binary reports the resolved CLI path or command name.
func (p *Provider) Binary() string { return p.binary }

// Describe is the doctor-facing summary line.
func (p *Provider) Describe() string {
	if p.Type == TypeGateway {
		return fmt.Sprintf("%s (gateway via %s)", p.Name, p.BaseURL)
	}
	if p.Name == "" {
		return "native default"
	}
	return fmt.Sprintf("%s (native)", p.Name)
}
