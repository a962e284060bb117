package git

import (
	"context"
	"strings"
)

// CanMerge probes whether branch merges cleanly into the current
// branch. The probe runs merge --no-commit --no-ff, collects conflict
// files, then aborts, leaving the tree as it was.
func (g *Git) CanMerge(ctx context.Context, branch string) (bool, []string, error) {
	_, code := g.runAllowFailure(ctx, "merge", "--no-commit", "--no-ff", branch)
	if code == 0 {
		// Clean merge staged; undo the probe. "Already up to date"
		// leaves no merge in progress, so fall back to a hard reset.
		if _, abortCode := g.runAllowFailure(ctx, "merge", "--abort"); abortCode != 0 {
			_, _ = g.run(ctx, "reset", "--hard", "HEAD")
		}
		return true, nil, nil
	}

	conflicts, err := g.ConflictFiles(ctx)
	if err != nil {
		_ = g.AbortMerge(ctx)
		return false, nil, err
	}
	_ = g.AbortMerge(ctx)
	return false, conflicts, nil
}

// StartMerge begins merging branch into the current branch without
// committing. Returns the conflict file list; empty means the merge
// staged cleanly and awaits commit.
func (g *Git) StartMerge(ctx context.Context, branch string) ([]string, error) {
	_, code := g.runAllowFailure(ctx, "merge", "--no-commit", "--no-ff", branch)
	if code == 0 {
		return nil, nil
	}
	return g.ConflictFiles(ctx)
}

// MergeNoFF merges branch into the current branch with a merge commit.
func (g *Git) MergeNoFF(ctx context.Context, branch, message string) error {
	_, err := g.run(ctx, "merge", "--no-ff", "-m", message, branch)
	return err
}

// ConflictFiles lists unmerged paths of an in-progress merge.
func (g *Git) ConflictFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CheckoutTheirs takes the incoming side of a conflicted file.
func (g *Git) CheckoutTheirs(ctx context.Context, path string) error {
	_, err := g.run(ctx, "checkout", "--theirs", "--", path)
	return err
}

// AbortMerge cancels an in-progress merge. Safe to call when none is
// in progress.
func (g *Git) AbortMerge(ctx context.Context) error {
	_, code := g.runAllowFailure(ctx, "merge", "--abort")
	if code != 0 {
		// MERGE_HEAD missing means nothing to abort.
		return nil
	}
	return nil
}

// MergeInProgress reports whether MERGE_HEAD exists.
func (g *Git) MergeInProgress(ctx context.Context) bool {
	out, code := g.runAllowFailure(ctx, "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	return code == 0 && strings.TrimSpace(out) != ""
}
