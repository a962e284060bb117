// Package config loads overstory project configuration: compiled
// defaults, overlaid by config.yaml (tracked), overlaid by
// config.local.yaml (per-machine, gitignored). It also resolves the
// project root through git worktree indirection and centralizes the
// .overstory/ directory layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

// File names inside the .overstory directory.
const (
	FileName      = "config.yaml"
	LocalFileName = "config.local.yaml"
)

// Config is the merged project configuration.
type Config struct {
	Project   Project             `yaml:"project"`
	Agents    Agents              `yaml:"agents"`
	Worktrees Worktrees           `yaml:"worktrees"`
	Beads     Beads               `yaml:"beads"`
	Mulch     Mulch               `yaml:"mulch"`
	Merge     Merge               `yaml:"merge"`
	Providers map[string]Provider `yaml:"providers"`
	Watchdog  Watchdog            `yaml:"watchdog"`
	Models    map[string]string   `yaml:"models"`
	Logging   Logging             `yaml:"logging"`

	// Deprecations collects notices produced while loading legacy keys.
	// The CLI prints them to stderr once.
	Deprecations []string `yaml:"-"`
}

// Project identifies the repository under orchestration.
type Project struct {
	Name            string `yaml:"name"`
	Root            string `yaml:"root"`
	CanonicalBranch string `yaml:"canonicalBranch"`
}

// Agents bounds the fleet.
type Agents struct {
	ManifestPath   string `yaml:"manifestPath"`
	BaseDir        string `yaml:"baseDir"`
	MaxConcurrent  int    `yaml:"maxConcurrent"`
	StaggerDelayMs int    `yaml:"staggerDelayMs"`
	MaxDepth       int    `yaml:"maxDepth"`
}

// Worktrees configures where per-agent worktrees are created.
type Worktrees struct {
	BaseDir string `yaml:"baseDir"`

	// SetupCommand runs once inside each fresh worktree, via sh -c,
	// before the agent starts. Dependency installs and codegen go here.
	SetupCommand string `yaml:"setupCommand"`
}

// Beads configures the external issue tracker integration.
type Beads struct {
	Enabled bool `yaml:"enabled"`
}

// Mulch configures the external knowledge store integration.
type Mulch struct {
	Enabled     bool     `yaml:"enabled"`
	Domains     []string `yaml:"domains"`
	PrimeFormat string   `yaml:"primeFormat"` // markdown | xml | json
}

// Merge gates the AI tiers of the conflict resolver.
type Merge struct {
	AIResolveEnabled bool `yaml:"aiResolveEnabled"`
	ReimagineEnabled bool `yaml:"reimagineEnabled"`
}

// Provider describes one AI CLI endpoint.
type Provider struct {
	Type         string `yaml:"type"` // native | gateway
	BaseURL      string `yaml:"baseUrl"`
	AuthTokenEnv string `yaml:"authTokenEnv"`
}

// Watchdog configures the reconciliation tiers.
type Watchdog struct {
	Tier0Enabled      bool `yaml:"tier0Enabled"`
	Tier0IntervalMs   int  `yaml:"tier0IntervalMs"`
	Tier1Enabled      bool `yaml:"tier1Enabled"`
	Tier2Enabled      bool `yaml:"tier2Enabled"`
	StaleThresholdMs  int  `yaml:"staleThresholdMs"`
	ZombieThresholdMs int  `yaml:"zombieThresholdMs"`
	NudgeIntervalMs   int  `yaml:"nudgeIntervalMs"`
}

// Logging controls diagnostic verbosity.
type Logging struct {
	Verbose       bool `yaml:"verbose"`
	RedactSecrets bool `yaml:"redactSecrets"`
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		Project: Project{
			CanonicalBranch: "main",
		},
		Agents: Agents{
			MaxConcurrent:  25,
			StaggerDelayMs: 2000,
			MaxDepth:       2,
		},
		Beads: Beads{Enabled: true},
		Mulch: Mulch{
			Enabled:     true,
			PrimeFormat: "markdown",
		},
		Watchdog: Watchdog{
			Tier0Enabled:      true,
			Tier0IntervalMs:   30000,
			StaleThresholdMs:  300000,
			ZombieThresholdMs: 600000,
			NudgeIntervalMs:   60000,
		},
		Logging:   Logging{RedactSecrets: true},
		Models:    map[string]string{},
		Providers: map[string]Provider{},
	}
}

// Load reads and merges configuration from the given .overstory
// directory. Missing files are fine; an unparsable file is a Config
// error.
func Load(overstoryDir string) (*Config, error) {
	merged := map[string]interface{}{}
	for _, name := range []string{FileName, LocalFileName} {
		path := filepath.Join(overstoryDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errdefs.Wrap(errdefs.KindConfig, err, fmt.Sprintf("reading %s", name))
		}
		layer := map[string]interface{}{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfig, err, fmt.Sprintf("parsing %s", name))
		}
		deepMerge(merged, layer)
	}

	cfg := Defaults()
	cfg.Deprecations = migrateLegacyWatchdog(merged)

	if len(merged) > 0 {
		// Round-trip the merged map through YAML onto the defaults so
		// absent keys keep their default values.
		data, err := yaml.Marshal(merged)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfig, err, "merging config layers")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfig, err, "applying config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deepMerge overlays src onto dst, recursing into nested maps.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sv, ok := v.(map[string]interface{}); ok {
			if dv, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// migrateLegacyWatchdog shifts the pre-renumbering watchdog keys
// (tier1=mechanical, tier2=triage, tier3=monitor) onto the current
// 0/1/2 numbering. A file is legacy when it never mentions
// tier0Enabled but does mention the old keys.
func migrateLegacyWatchdog(merged map[string]interface{}) []string {
	wd, ok := merged["watchdog"].(map[string]interface{})
	if !ok {
		return nil
	}
	hasTier0 := false
	for _, key := range []string{"tier0Enabled", "tier0IntervalMs"} {
		if _, ok := wd[key]; ok {
			hasTier0 = true
		}
	}
	_, hasTier3 := wd["tier3Enabled"]
	if hasTier0 || !hasLegacyKeys(wd) {
		// tier3Enabled alongside tier0 keys is simply unknown; drop it.
		delete(wd, "tier3Enabled")
		return nil
	}

	var notices []string
	if v, ok := wd["tier1Enabled"]; ok {
		wd["tier0Enabled"] = v
		delete(wd, "tier1Enabled")
		notices = append(notices, "watchdog.tier1Enabled is deprecated; renamed tier0Enabled (mechanical reconciliation)")
	}
	if v, ok := wd["tier2Enabled"]; ok {
		wd["tier1Enabled"] = v
		delete(wd, "tier2Enabled")
		notices = append(notices, "watchdog.tier2Enabled is deprecated; renamed tier1Enabled (AI triage)")
	}
	if hasTier3 {
		wd["tier2Enabled"] = wd["tier3Enabled"]
		delete(wd, "tier3Enabled")
		notices = append(notices, "watchdog.tier3Enabled is deprecated; renamed tier2Enabled (persistent monitor)")
	}
	return notices
}

func hasLegacyKeys(wd map[string]interface{}) bool {
	if _, ok := wd["tier3Enabled"]; ok {
		return true
	}
	// tier1/tier2 without tier0 predates the renumbering.
	_, has1 := wd["tier1Enabled"]
	_, has2 := wd["tier2Enabled"]
	return has1 || has2
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Watchdog.ZombieThresholdMs <= c.Watchdog.StaleThresholdMs {
		return errdefs.Configf(
			"watchdog.zombieThresholdMs (%d) must be greater than staleThresholdMs (%d)",
			c.Watchdog.ZombieThresholdMs, c.Watchdog.StaleThresholdMs)
	}
	switch c.Mulch.PrimeFormat {
	case "", "markdown", "xml", "json":
	default:
		return errdefs.Configf("mulch.primeFormat %q not one of markdown|xml|json", c.Mulch.PrimeFormat)
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "native", "gateway":
		default:
			return errdefs.Configf("providers.%s.type %q not one of native|gateway", name, p.Type)
		}
	}
	if c.Agents.MaxConcurrent < 1 {
		return errdefs.Configf("agents.maxConcurrent must be at least 1")
	}
	if c.Agents.MaxDepth < 0 {
		return errdefs.Configf("agents.maxDepth must not be negative")
	}
	return nil
}

// ModelFor resolves the model for a capability: explicit config first,
// then the manifest default supplied by the caller, then the fallback.
func (c *Config) ModelFor(capability, manifestDefault string) string {
	if m, ok := c.Models[capability]; ok && m != "" {
		return m
	}
	if manifestDefault != "" {
		return manifestDefault
	}
	return "sonnet"
}
