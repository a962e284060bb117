package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/style"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: GroupDiag,
	Short:   "Watch state directory activity live",
	Long: `Stream filesystem changes under the project state directory as they
happen: nudge markers, run pointers, spec files, identity updates.
Database churn is filtered out. Falls back to polling when inotify
is unavailable.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Poll interval for the fallback watcher")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := out()
	fmt.Fprintln(w, style.Dim.Render(fmt.Sprintf("Watching %s (Ctrl+C to stop)", a.Paths.Dir)))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		style.PrintWarning("inotify unavailable (%v); polling every %s instead", err, watchInterval)
		return watchByPolling(ctx, a.Paths, w)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(a.Paths) {
		// Missing subdirectories appear later via the top-level watch.
		_ = watcher.Add(dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if watchIgnored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			fmt.Fprintln(w, watchLine(time.Now(), ev.Op.String(), watchRel(a.Paths, ev.Name)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			style.PrintWarning("watch: %v", err)
		}
	}
}

// watchDirs is the set of directories worth observing. fsnotify is not
// recursive, so each level is added explicitly.
func watchDirs(p config.Paths) []string {
	dirs := []string{
		p.Dir,
		p.PendingNudgesDir(),
		p.SpecsDir(),
		p.AgentsDir(),
		p.AgentDefsDir(),
	}
	entries, err := os.ReadDir(p.AgentsDir())
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(p.AgentsDir(), e.Name()))
			}
		}
	}
	return dirs
}

// watchIgnored filters database and lock churn, which fires on every
// store access and would drown the signal.
func watchIgnored(name string) bool {
	base := filepath.Base(name)
	if strings.Contains(base, ".db") {
		return true
	}
	switch filepath.Ext(base) {
	case ".lock", ".tmp":
		return true
	}
	return false
}

func watchRel(p config.Paths, name string) string {
	if rel, err := filepath.Rel(p.Dir, name); err == nil {
		return rel
	}
	return name
}

func watchLine(now time.Time, op, path string) string {
	return fmt.Sprintf("%s  %-8s %s",
		style.Dim.Render(now.Format("15:04:05")),
		strings.ToLower(op),
		path)
}

// watchByPolling diffs modification times on an interval. Coarser than
// inotify but works on filesystems without it.
func watchByPolling(ctx context.Context, p config.Paths, w io.Writer) error {
	seen := watchSnapshot(p)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := watchSnapshot(p)
			now := time.Now()
			for path, mod := range current {
				prev, ok := seen[path]
				switch {
				case !ok:
					fmt.Fprintln(w, watchLine(now, "create", path))
				case !mod.Equal(prev):
					fmt.Fprintln(w, watchLine(now, "write", path))
				}
			}
			for path := range seen {
				if _, ok := current[path]; !ok {
					fmt.Fprintln(w, watchLine(now, "remove", path))
				}
			}
			seen = current
		}
	}
}

func watchSnapshot(p config.Paths) map[string]time.Time {
	snap := make(map[string]time.Time)
	_ = filepath.WalkDir(p.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "worktrees" || d.Name() == "logs" {
				return filepath.SkipDir
			}
			return nil
		}
		if watchIgnored(path) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			if rel, err := filepath.Rel(p.Dir, path); err == nil {
				snap[rel] = info.ModTime()
			}
		}
		return nil
	})
	return snap
}
