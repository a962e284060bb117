// flock.go provides cross-process file locking for the shared state
// files under .overstory/ (debounce map, nudge scratch, watchdog
// single-instance lock).

package util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileLock provides advisory cross-process locking. Unlike sync.Mutex
// it excludes other overstory processes, not just other goroutines.
type FileLock struct {
	path string
	fl   *flock.Flock
}

// NewFileLock creates a lock handle for path. The lock file is created
// on first acquire.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (l *FileLock) ensure() error {
	if l.fl != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	l.fl = flock.New(l.path)
	return nil
}

// Lock acquires the lock, blocking until available.
func (l *FileLock) Lock() error {
	if err := l.ensure(); err != nil {
		return err
	}
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking. Returns true
// if acquired, false when another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if err := l.ensure(); err != nil {
		return false, err
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	return ok, nil
}

// LockWithTimeout retries acquisition every 50ms until the deadline.
func (l *FileLock) LockWithTimeout(timeout time.Duration) error {
	if err := l.ensure(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := l.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock %s held by another process", l.path)
	}
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *FileLock) Unlock() error {
	if l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() { _ = l.Unlock() }()
	return fn()
}
