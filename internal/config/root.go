package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/errdefs"
)

// DirName is the state directory at the project root.
const DirName = ".overstory"

// FindRoot locates the project root by walking up from startDir. A
// directory containing .overstory/ wins immediately. Failing that, the
// git repository root is used, resolved through worktree indirection
// so an agent running inside .overstory/worktrees/<name>/ still lands
// on the primary checkout.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindConfig, err, "resolving start directory")
	}

	var gitDir string // first .git seen on the way up
	for d := dir; ; d = filepath.Dir(d) {
		if info, err := os.Stat(filepath.Join(d, DirName)); err == nil && info.IsDir() {
			return d, nil
		}
		if gitDir == "" {
			if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
				gitDir = d
			}
		}
		if filepath.Dir(d) == d {
			break
		}
	}

	if gitDir == "" {
		return "", errdefs.Configf("no %s directory or git repository found from %s", DirName, startDir).
			WithHint("run `overstory init` at the repository root")
	}
	return resolveThroughWorktree(gitDir)
}

// resolveThroughWorktree maps a worktree checkout to the primary
// repository root. In a linked worktree, .git is a file of the form
// "gitdir: /primary/.git/worktrees/<name>"; the primary root is the
// directory holding that .git.
func resolveThroughWorktree(repoDir string) (string, error) {
	gitPath := filepath.Join(repoDir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindConfig, err, "inspecting .git")
	}
	if info.IsDir() {
		return repoDir, nil
	}

	data, err := os.ReadFile(gitPath)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindConfig, err, "reading .git pointer file")
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return repoDir, nil
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if !filepath.IsAbs(target) {
		target = filepath.Join(repoDir, target)
	}

	// /primary/.git/worktrees/<name> → /primary
	if i := strings.Index(target, string(filepath.Separator)+".git"+string(filepath.Separator)+"worktrees"+string(filepath.Separator)); i >= 0 {
		return target[:i], nil
	}
	// A bare "gitdir: /somewhere/.git" pointer.
	if strings.HasSuffix(target, string(filepath.Separator)+".git") {
		return filepath.Dir(target), nil
	}
	return repoDir, nil
}

// OverstoryDir returns the state directory under root.
func OverstoryDir(root string) string {
	return filepath.Join(root, DirName)
}
