// Package runstate manages the single-writer pointer files under
// .overstory/: the active run id and the default merge target. Values
// are written with a temp-then-rename so concurrent readers never see
// a partial write.
package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/util"
)

const (
	currentRunFile    = "current-run.txt"
	sessionBranchFile = "session-branch.txt"
)

// Store reads and writes the pointer files for one project.
type Store struct {
	dir string // the .overstory directory
}

// New returns a Store rooted at the given .overstory directory.
func New(overstoryDir string) *Store {
	return &Store{dir: overstoryDir}
}

func (s *Store) get(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) set(name, value string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	return util.AtomicWriteFile(filepath.Join(s.dir, name), []byte(value+"\n"), 0644)
}

func (s *Store) clear(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// CurrentRun returns the active run id, or "" when no run is active.
func (s *Store) CurrentRun() (string, error) {
	return s.get(currentRunFile)
}

// SetCurrentRun records id as the active run.
func (s *Store) SetCurrentRun(id string) error {
	if id == "" {
		return fmt.Errorf("run id must not be empty")
	}
	return s.set(currentRunFile, id)
}

// ClearCurrentRun removes the active-run pointer. Idempotent.
func (s *Store) ClearCurrentRun() error {
	return s.clear(currentRunFile)
}

// SessionBranch returns the default merge target, or "" when unset.
func (s *Store) SessionBranch() (string, error) {
	return s.get(sessionBranchFile)
}

// SetSessionBranch records branch as the default merge target.
func (s *Store) SetSessionBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch must not be empty")
	}
	return s.set(sessionBranchFile, branch)
}

// ClearSessionBranch removes the merge-target pointer. Idempotent.
func (s *Store) ClearSessionBranch() error {
	return s.clear(sessionBranchFile)
}
