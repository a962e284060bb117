package config

import "path/filepath"

// Paths centralizes the on-disk layout under {root}/.overstory/ so no
// other package hardcodes file names.
type Paths struct {
	Root string // project root
	Dir  string // {root}/.overstory
}

// NewPaths builds the layout for a project root.
func NewPaths(root string) Paths {
	return Paths{Root: root, Dir: OverstoryDir(root)}
}

func (p Paths) ConfigFile() string      { return filepath.Join(p.Dir, FileName) }
func (p Paths) LocalConfigFile() string { return filepath.Join(p.Dir, LocalFileName) }

// Stores.
func (p Paths) SessionsDB() string   { return filepath.Join(p.Dir, "sessions.db") }
func (p Paths) EventsDB() string     { return filepath.Join(p.Dir, "events.db") }
func (p Paths) MailDB() string       { return filepath.Join(p.Dir, "mail.db") }
func (p Paths) MetricsDB() string    { return filepath.Join(p.Dir, "metrics.db") }
func (p Paths) MergeQueueDB() string { return filepath.Join(p.Dir, "merge-queue.db") }

// LegacySessionsJSON is imported once when sessions.db does not exist.
func (p Paths) LegacySessionsJSON() string { return filepath.Join(p.Dir, "sessions.json") }

// Shared mutable files.
func (p Paths) PendingNudgesDir() string { return filepath.Join(p.Dir, "pending-nudges") }
func (p Paths) PendingNudgeFile(agent string) string {
	return filepath.Join(p.PendingNudgesDir(), agent+".json")
}
func (p Paths) MailCheckStateFile() string { return filepath.Join(p.Dir, "mail-check-state.json") }
func (p Paths) NudgeStateFile() string     { return filepath.Join(p.Dir, "nudge-state.json") }
func (p Paths) WatchdogLockFile() string   { return filepath.Join(p.Dir, "watchdog.lock") }

// Agent identity and working state.
func (p Paths) ManifestFile() string        { return filepath.Join(p.Dir, "agent-manifest.json") }
func (p Paths) AgentDefsDir() string        { return filepath.Join(p.Dir, "agent-defs") }
func (p Paths) AgentsDir() string           { return filepath.Join(p.Dir, "agents") }
func (p Paths) AgentDir(name string) string { return filepath.Join(p.AgentsDir(), name) }
func (p Paths) IdentityFile(name string) string {
	return filepath.Join(p.AgentDir(name), "identity.json")
}
func (p Paths) CheckpointFile(name string) string {
	return filepath.Join(p.AgentDir(name), "checkpoint.json")
}

// Task material.
func (p Paths) SpecsDir() string            { return filepath.Join(p.Dir, "specs") }
func (p Paths) SpecFile(bead string) string { return filepath.Join(p.SpecsDir(), bead+".md") }

// Worktrees and logs.
func (p Paths) WorktreesDir() string { return filepath.Join(p.Dir, "worktrees") }
func (p Paths) WorktreeDir(agent string) string {
	return filepath.Join(p.WorktreesDir(), agent)
}
func (p Paths) LogsDir() string { return filepath.Join(p.Dir, "logs") }
func (p Paths) AgentLogDir(agent, ts string) string {
	return filepath.Join(p.LogsDir(), agent, ts)
}

// Hook deployment source.
func (p Paths) HooksFile() string { return filepath.Join(p.Dir, "hooks.json") }
