package git

import (
	"context"
	"os"
)

// TestRepo builds throwaway repositories for tests in this module.
// Kept outside _test.go so merge and sling tests can share it.
type TestRepo struct {
	Path string
	Git  *Git
}

// NewTestRepo creates a repository with main as the default branch and
// a test identity configured.
func NewTestRepo(dir string) (*TestRepo, error) {
	ctx := context.Background()
	g := New(dir)
	if _, err := g.run(ctx, "init", "-b", "main"); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, "config", "user.email", "test@example.com"); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, "config", "user.name", "Test User"); err != nil {
		return nil, err
	}
	return &TestRepo{Path: dir, Git: g}, nil
}

// CreateInitialCommit writes a README and commits it on main.
func (r *TestRepo) CreateInitialCommit() (string, error) {
	return r.Git.AddCommit(context.Background(), "initial commit", map[string]string{
		"README.md": "# test repo\n",
	})
}

// CreateBranchWithCommit cuts branch from base, checks it out, and
// commits the given files on it. The repo is left on the new branch.
func (r *TestRepo) CreateBranchWithCommit(branch, base, message string, files map[string]string) (string, error) {
	ctx := context.Background()
	if err := r.Git.CreateBranch(ctx, branch, base); err != nil {
		return "", err
	}
	if err := r.Git.Checkout(ctx, branch); err != nil {
		return "", err
	}
	return r.Git.AddCommit(ctx, message, files)
}

// WriteFile drops a file into the working tree without committing.
func (r *TestRepo) WriteFile(path, content string) error {
	return os.WriteFile(r.Path+"/"+path, []byte(content), 0644)
}
