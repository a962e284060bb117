package cmd

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func findCommand(parent *cobra.Command, name string) *cobra.Command {
	for _, c := range parent.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestCommandSurface(t *testing.T) {
	top := []string{
		"init", "sling", "prime", "status", "dashboard", "doctor",
		"inspect", "merge", "nudge", "clean", "log", "logs", "watch",
		"trace", "errors", "feed", "replay", "costs", "metrics", "web",
		"spec", "coordinator", "supervisor", "monitor", "hooks", "mail",
		"group", "worktree", "run", "agents",
	}
	for _, name := range top {
		if findCommand(rootCmd, name) == nil {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestSubcommandSurface(t *testing.T) {
	tests := []struct {
		parent   string
		children []string
	}{
		{"mail", []string{"send", "check", "list", "read", "reply", "purge"}},
		{"group", []string{"create", "status", "add", "remove", "list"}},
		{"worktree", []string{"list", "clean"}},
		{"run", []string{"start", "list", "show", "complete"}},
		{"agents", []string{"discover"}},
		{"spec", []string{"write"}},
		{"hooks", []string{"install", "uninstall", "status"}},
		{"coordinator", []string{"start", "stop", "status"}},
		{"supervisor", []string{"start", "stop", "status"}},
		{"monitor", []string{"start", "stop", "status"}},
	}
	for _, tt := range tests {
		parent := findCommand(rootCmd, tt.parent)
		if parent == nil {
			t.Errorf("parent %q not registered", tt.parent)
			continue
		}
		for _, child := range tt.children {
			if findCommand(parent, child) == nil {
				t.Errorf("%s %s not registered", tt.parent, child)
			}
		}
	}
}

func TestUniversalFlags(t *testing.T) {
	for _, name := range []string{"json", "quiet", "completions"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("persistent flag --%s missing", name)
		}
	}
	q := rootCmd.PersistentFlags().Lookup("quiet")
	if q.Shorthand != "q" {
		t.Errorf("--quiet shorthand = %q, want q", q.Shorthand)
	}
}

func TestHookPlumbingHidden(t *testing.T) {
	hooks := findCommand(rootCmd, "hooks")
	if hooks == nil {
		t.Fatal("hooks not registered")
	}
	for _, name := range []string{"gate", "checkpoint"} {
		c := findCommand(hooks, name)
		if c == nil {
			t.Fatalf("hooks %s not registered", name)
		}
		if !c.Hidden {
			t.Errorf("hooks %s should be hidden from help output", name)
		}
	}
}

func TestParentsRequireSubcommand(t *testing.T) {
	for _, name := range []string{"mail", "group", "worktree", "run", "agents", "spec", "hooks"} {
		c := findCommand(rootCmd, name)
		if c == nil {
			t.Fatalf("%s not registered", name)
		}
		if c.RunE == nil {
			t.Errorf("%s has no RunE; bare invocation would exit 0", name)
		}
	}
}

func TestBuildCommandPath(t *testing.T) {
	mail := findCommand(rootCmd, "mail")
	if mail == nil {
		t.Fatal("mail not registered")
	}
	send := findCommand(mail, "send")
	if send == nil {
		t.Fatal("mail send not registered")
	}
	got := buildCommandPath(send)
	if !strings.HasSuffix(got, "mail send") {
		t.Errorf("buildCommandPath = %q, want suffix %q", got, "mail send")
	}
}

func TestVersionSet(t *testing.T) {
	if Version == "" {
		t.Error("Version is empty")
	}
	if rootCmd.Version != Version {
		t.Errorf("rootCmd.Version = %q, want %q", rootCmd.Version, Version)
	}
}
