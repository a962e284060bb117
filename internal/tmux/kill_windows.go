//go:build windows

package tmux

import "time"

// tmux does not run on Windows, so the kill helpers are no-ops there.
// They exist only to keep the package compiling for cross builds.

func DescendantPIDs(pid int) []int { return nil }

func KillProcessTree(pid int, grace time.Duration) {}
