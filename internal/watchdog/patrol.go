package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/util"
)

// MonitorAgentName is the fixed session name for the tier 2 monitor.
const MonitorAgentName = "watchdog-monitor"

// Patrol ticks until the context is cancelled. A project-scoped file
// lock guarantees a single patrolling instance.
func (w *Watchdog) Patrol(ctx context.Context) error {
	lock := util.NewFileLock(w.Paths.WatchdogLockFile())
	held, err := lock.TryLock()
	if err != nil {
		return errdefs.Wrap(errdefs.KindAgent, err, "acquiring watchdog lock")
	}
	if !held {
		return errdefs.Agentf("watchdog already patrolling (lock held by another process)")
	}
	defer lock.Unlock()

	interval := time.Duration(w.Config.Watchdog.Tier0IntervalMs) * time.Millisecond
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	fmt.Fprintf(w.out(), "Watchdog patrolling every %s\n", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.patrolOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) patrolOnce(ctx context.Context) {
	if w.Config.Watchdog.Tier0Enabled {
		if _, err := w.Tick(ctx); err != nil {
			fmt.Fprintf(w.out(), "watchdog: tick failed: %v\n", err)
		}
	}
	if w.Config.Watchdog.Tier2Enabled {
		if err := w.ensureMonitor(ctx); err != nil {
			fmt.Fprintf(w.out(), "watchdog: monitor check failed: %v\n", err)
		}
	}
}

// ensureMonitor keeps the tier 2 monitor agent alive. The tmux
// session is the source of truth: a dead pane behind a live-looking
// row gets the row zombied and the monitor respawned.
func (w *Watchdog) ensureMonitor(ctx context.Context) error {
	if w.SpawnMonitor == nil {
		return nil
	}
	sess, ok, err := w.Sessions.GetByName(MonitorAgentName)
	if err != nil {
		return err
	}
	if ok && sess.State.IsActive() {
		alive, err := w.Tmux.HasSession(ctx, sess.TmuxSession)
		if err != nil {
			return err
		}
		if alive {
			return nil
		}
		if err := w.markZombie(ctx, sess, "external"); err != nil {
			return err
		}
		fmt.Fprintf(w.out(), "watchdog: monitor pane is gone; respawning\n")
	}
	fmt.Fprintf(w.out(), "watchdog: starting monitor agent %s\n", MonitorAgentName)
	return w.SpawnMonitor(ctx)
}
