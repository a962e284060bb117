package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_DefaultsWhenNoFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Project.CanonicalBranch != "main" {
		t.Errorf("canonicalBranch = %q, want main", cfg.Project.CanonicalBranch)
	}
	if cfg.Agents.MaxConcurrent != 25 {
		t.Errorf("maxConcurrent = %d, want 25", cfg.Agents.MaxConcurrent)
	}
	if cfg.Agents.StaggerDelayMs != 2000 {
		t.Errorf("staggerDelayMs = %d, want 2000", cfg.Agents.StaggerDelayMs)
	}
	if cfg.Agents.MaxDepth != 2 {
		t.Errorf("maxDepth = %d, want 2", cfg.Agents.MaxDepth)
	}
	if !cfg.Beads.Enabled {
		t.Error("beads.enabled should default true")
	}
	if cfg.Watchdog.Tier0IntervalMs != 30000 {
		t.Errorf("tier0IntervalMs = %d, want 30000", cfg.Watchdog.Tier0IntervalMs)
	}
	if cfg.Watchdog.StaleThresholdMs != 300000 || cfg.Watchdog.ZombieThresholdMs != 600000 {
		t.Errorf("thresholds = %d/%d", cfg.Watchdog.StaleThresholdMs, cfg.Watchdog.ZombieThresholdMs)
	}
	if cfg.Watchdog.NudgeIntervalMs != 60000 {
		t.Errorf("nudgeIntervalMs = %d", cfg.Watchdog.NudgeIntervalMs)
	}
}

func TestLoad_LocalOverridesTracked(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, FileName, `
project:
  name: demo
agents:
  maxConcurrent: 10
`)
	writeConfig(t, dir, LocalFileName, `
agents:
  maxConcurrent: 3
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.Name != "demo" {
		t.Errorf("name = %q", cfg.Project.Name)
	}
	if cfg.Agents.MaxConcurrent != 3 {
		t.Errorf("maxConcurrent = %d, want 3 (local wins)", cfg.Agents.MaxConcurrent)
	}
	// Untouched keys keep defaults.
	if cfg.Agents.StaggerDelayMs != 2000 {
		t.Errorf("staggerDelayMs = %d, want default", cfg.Agents.StaggerDelayMs)
	}
}

func TestLoad_ZombieThresholdInvariant(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, FileName, `
watchdog:
  staleThresholdMs: 60000
  zombieThresholdMs: 60000
`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error for zombieThresholdMs <= staleThresholdMs")
	}
	if errdefs.KindOf(err) != errdefs.KindConfig {
		t.Errorf("kind = %q, want Config", errdefs.KindOf(err))
	}
}

func TestLoad_LegacyTierNumbering(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, FileName, `
watchdog:
  tier1Enabled: true
  tier2Enabled: true
  tier3Enabled: false
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Watchdog.Tier0Enabled {
		t.Error("legacy tier1Enabled should map to tier0Enabled")
	}
	if !cfg.Watchdog.Tier1Enabled {
		t.Error("legacy tier2Enabled should map to tier1Enabled")
	}
	if cfg.Watchdog.Tier2Enabled {
		t.Error("legacy tier3Enabled=false should map to tier2Enabled=false")
	}
	if len(cfg.Deprecations) != 3 {
		t.Errorf("deprecation notices = %d, want 3: %v", len(cfg.Deprecations), cfg.Deprecations)
	}
}

func TestLoad_NewNumberingUntouched(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, FileName, `
watchdog:
  tier0Enabled: true
  tier1Enabled: true
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Watchdog.Tier0Enabled || !cfg.Watchdog.Tier1Enabled {
		t.Error("explicit new-numbering keys should load as written")
	}
	if len(cfg.Deprecations) != 0 {
		t.Errorf("unexpected deprecations: %v", cfg.Deprecations)
	}
}

func TestLoad_BadProviderType(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, FileName, `
providers:
  corp:
    type: websocket
`)

	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "native|gateway") {
		t.Errorf("err = %v, want provider type error", err)
	}
}

func TestModelFor(t *testing.T) {
	cfg := Defaults()
	cfg.Models["builder"] = "opus"

	if got := cfg.ModelFor("builder", "haiku"); got != "opus" {
		t.Errorf("config override: got %q", got)
	}
	if got := cfg.ModelFor("scout", "haiku"); got != "haiku" {
		t.Errorf("manifest default: got %q", got)
	}
	if got := cfg.ModelFor("scout", ""); got != "sonnet" {
		t.Errorf("fallback: got %q", got)
	}
}

func TestFindRoot_OverstoryDirWins(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, DirName), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if resolved, _ := filepath.EvalSymlinks(got); resolved != mustEval(t, root) {
		t.Errorf("FindRoot = %q, want %q", got, root)
	}
}

func TestFindRoot_ThroughWorktreePointer(t *testing.T) {
	primary := t.TempDir()
	if err := os.MkdirAll(filepath.Join(primary, ".git", "worktrees", "wt1"), 0755); err != nil {
		t.Fatal(err)
	}

	linked := t.TempDir()
	pointer := "gitdir: " + filepath.Join(primary, ".git", "worktrees", "wt1") + "\n"
	if err := os.WriteFile(filepath.Join(linked, ".git"), []byte(pointer), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := FindRoot(linked)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if mustEval(t, got) != mustEval(t, primary) {
		t.Errorf("FindRoot = %q, want primary root %q", got, primary)
	}
}

func TestFindRoot_NoRepo(t *testing.T) {
	_, err := FindRoot(t.TempDir())
	if err == nil {
		t.Fatal("expected error outside any repo")
	}
	var e *errdefs.Error
	if !errors.As(err, &e) || e.Hint == "" {
		t.Error("error should carry an init hint")
	}
}

func mustEval(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestRepoManifest_RoundTrip(t *testing.T) {
	root := t.TempDir()
	manifest := `
version = 1

[project]
name = "demo"
canonical_branch = "trunk"

[agents]
max_concurrent = 8

[setup]
command = "npm install"
`
	if err := os.WriteFile(filepath.Join(root, RepoManifestPath), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadRepoManifest(root)
	if err != nil {
		t.Fatalf("LoadRepoManifest: %v", err)
	}
	if m == nil {
		t.Fatal("manifest should load")
	}

	cfg := Defaults()
	m.ApplyTo(cfg)
	if cfg.Project.Name != "demo" || cfg.Project.CanonicalBranch != "trunk" {
		t.Errorf("project = %+v", cfg.Project)
	}
	if cfg.Agents.MaxConcurrent != 8 {
		t.Errorf("maxConcurrent = %d", cfg.Agents.MaxConcurrent)
	}
	if cfg.Worktrees.SetupCommand != "npm install" {
		t.Errorf("setupCommand = %q", cfg.Worktrees.SetupCommand)
	}
	// Manifest silence keeps defaults.
	if cfg.Agents.MaxDepth != 2 {
		t.Errorf("maxDepth = %d", cfg.Agents.MaxDepth)
	}
}

func TestRepoManifest_Absent(t *testing.T) {
	m, err := LoadRepoManifest(t.TempDir())
	if err != nil || m != nil {
		t.Errorf("LoadRepoManifest = %v, %v; want nil, nil", m, err)
	}
}
