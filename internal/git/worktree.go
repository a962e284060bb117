package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // short name, "" for detached
}

// WorktreeList parses `git worktree list --porcelain`.
func (g *Git) WorktreeList(ctx context.Context) ([]Worktree, error) {
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindWorktree, err, "listing worktrees")
	}

	var list []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			list = append(list, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return list, nil
}

// WorktreeAdd creates a worktree at path on a new branch cut from
// base. An existing branch of the same name is reused when it matches.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, "creating worktree parent")
	}

	var err error
	if g.BranchExists(ctx, branch) {
		_, err = g.run(ctx, "worktree", "add", path, branch)
	} else {
		_, err = g.run(ctx, "worktree", "add", "-b", branch, path, base)
	}
	if err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, fmt.Sprintf("adding worktree %s", path))
	}
	return nil
}

// WorktreeRemove detaches a worktree. force discards local changes.
func (g *Git) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := g.run(ctx, args...); err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, fmt.Sprintf("removing worktree %s", path))
	}
	return nil
}

// WorktreePrune drops stale administrative entries for deleted
// worktree directories.
func (g *Git) WorktreePrune(ctx context.Context) error {
	if _, err := g.run(ctx, "worktree", "prune"); err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, "pruning worktrees")
	}
	return nil
}

// VerifyWorktree checks that path looks like a usable worktree: the
// directory exists and contains a .git pointer.
func (g *Git) VerifyWorktree(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWorktree, err, "worktree missing")
	}
	if !info.IsDir() {
		return errdefs.Worktreef("worktree path %s is not a directory", path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return errdefs.Worktreef("worktree %s has no .git (partial checkout?)", path)
	}
	return nil
}
