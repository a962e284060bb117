// Package git wraps the git CLI for branch, worktree, and merge
// operations. All methods run against the repository in WorkDir and
// honor context deadlines.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/proc"
)

// BranchPrefix is the namespace for agent work branches.
const BranchPrefix = "overstory/"

// Git executes git commands in one repository.
type Git struct {
	WorkDir string
}

// New returns a Git bound to workDir.
func New(workDir string) *Git {
	return &Git{WorkDir: workDir}
}

// run executes git with the given args. Non-zero exit is an error
// carrying stderr.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	res, err := proc.RunIn(ctx, g.WorkDir, "git", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// runAllowFailure executes git and returns output and exit code
// without treating non-zero exit as an error. Used for probes where
// failure is an answer, not a fault.
func (g *Git) runAllowFailure(ctx context.Context, args ...string) (string, int) {
	res, _ := proc.RunIn(ctx, g.WorkDir, "git", args...)
	if res == nil {
		return "", -1
	}
	return strings.TrimSpace(res.Stdout), res.ExitCode
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, name string) bool {
	_, code := g.runAllowFailure(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return code == 0
}

// CreateBranch creates name at base without checking it out.
func (g *Git) CreateBranch(ctx context.Context, name, base string) error {
	_, err := g.run(ctx, "branch", name, base)
	return err
}

// DeleteBranch removes a local branch. force uses -D.
func (g *Git) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, "branch", flag, name)
	return err
}

// Checkout switches the working tree to branch.
func (g *Git) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// HeadSHA returns the commit hash at the tip of branch ("" for HEAD).
func (g *Git) HeadSHA(ctx context.Context, branch string) (string, error) {
	if branch == "" {
		branch = "HEAD"
	}
	return g.run(ctx, "rev-parse", branch)
}

// MergeBase returns the common ancestor of two refs.
func (g *Git) MergeBase(ctx context.Context, a, b string) (string, error) {
	return g.run(ctx, "merge-base", a, b)
}

// IsAncestor reports whether commit is reachable from branch.
func (g *Git) IsAncestor(ctx context.Context, commit, branch string) bool {
	_, code := g.runAllowFailure(ctx, "merge-base", "--is-ancestor", commit, branch)
	return code == 0
}

// DiffNameOnly lists files changed between from and to using the
// three-dot form, i.e. changes on to since the common ancestor.
func (g *Git) DiffNameOnly(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", from+"..."+to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ListAgentBranches returns all refs under the overstory/ namespace.
func (g *Git) ListAgentBranches(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+BranchPrefix)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ShowFile returns the contents of path at ref.
func (g *Git) ShowFile(ctx context.Context, ref, path string) (string, error) {
	res, err := proc.RunIn(ctx, g.WorkDir, "git", "show", ref+":"+path)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Add stages paths.
func (g *Git) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// Commit records staged changes.
func (g *Git) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "-m", message)
	return err
}

// AddCommit writes files (path → contents), stages them, and commits.
// Returns the new commit SHA.
func (g *Git) AddCommit(ctx context.Context, message string, files map[string]string) (string, error) {
	for path, content := range files {
		full := filepath.Join(g.WorkDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if err := g.Commit(ctx, message); err != nil {
		return "", err
	}
	return g.HeadSHA(ctx, "")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParseAgentBranch splits overstory/{agent}/{bead} into its parts.
func ParseAgentBranch(branch string) (agent, bead string, ok bool) {
	rest, found := strings.CutPrefix(branch, BranchPrefix)
	if !found {
		return "", "", false
	}
	agent, bead, found = strings.Cut(rest, "/")
	if !found || agent == "" || bead == "" {
		return "", "", false
	}
	return agent, bead, true
}

// AgentBranch builds the branch name for an agent and bead.
func AgentBranch(agent, bead string) string {
	return BranchPrefix + agent + "/" + bead
}
