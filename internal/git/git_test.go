package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newRepo(t *testing.T) *TestRepo {
	t.Helper()
	r, err := NewTestRepo(t.TempDir())
	if err != nil {
		t.Skipf("git unavailable: %v", err)
	}
	if _, err := r.CreateInitialCommit(); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	return r
}

func TestBranchLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	if r.Git.BranchExists(ctx, "overstory/alice/task-1") {
		t.Fatal("branch should not exist yet")
	}
	if err := r.Git.CreateBranch(ctx, "overstory/alice/task-1", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if !r.Git.BranchExists(ctx, "overstory/alice/task-1") {
		t.Fatal("branch should exist")
	}

	branches, err := r.Git.ListAgentBranches(ctx)
	if err != nil {
		t.Fatalf("ListAgentBranches: %v", err)
	}
	if len(branches) != 1 || branches[0] != "overstory/alice/task-1" {
		t.Errorf("branches = %v", branches)
	}

	if err := r.Git.DeleteBranch(ctx, "overstory/alice/task-1", false); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
}

func TestDiffNameOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	if _, err := r.CreateBranchWithCommit("overstory/alice/t1", "main", "edit a", map[string]string{
		"src/a.txt": "changed\n",
		"src/b.txt": "new\n",
	}); err != nil {
		t.Fatalf("branch commit: %v", err)
	}

	files, err := r.Git.DiffNameOnly(ctx, "main", "overstory/alice/t1")
	if err != nil {
		t.Fatalf("DiffNameOnly: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("files = %v, want 2 entries", files)
	}
}

func TestCanMerge_CleanAndConflict(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	// Disjoint change merges cleanly.
	if _, err := r.CreateBranchWithCommit("overstory/alice/t1", "main", "alice edit", map[string]string{
		"alice.txt": "alice\n",
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Git.Checkout(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	ok, conflicts, err := r.Git.CanMerge(ctx, "overstory/alice/t1")
	if err != nil {
		t.Fatalf("CanMerge: %v", err)
	}
	if !ok || len(conflicts) != 0 {
		t.Errorf("clean branch: ok=%v conflicts=%v", ok, conflicts)
	}
	// The probe must not leave a merge behind.
	if r.Git.MergeInProgress(ctx) {
		t.Error("probe left merge in progress")
	}

	// Overlapping change conflicts.
	if _, err := r.CreateBranchWithCommit("overstory/bob/t2", "main", "bob edit", map[string]string{
		"shared.txt": "bob version\n",
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Git.Checkout(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Git.AddCommit(ctx, "main edit", map[string]string{
		"shared.txt": "main version\n",
	}); err != nil {
		t.Fatal(err)
	}

	ok, conflicts, err = r.Git.CanMerge(ctx, "overstory/bob/t2")
	if err != nil {
		t.Fatalf("CanMerge conflict probe: %v", err)
	}
	if ok {
		t.Error("conflicting branch reported mergeable")
	}
	if len(conflicts) != 1 || conflicts[0] != "shared.txt" {
		t.Errorf("conflicts = %v, want [shared.txt]", conflicts)
	}
	if r.Git.MergeInProgress(ctx) {
		t.Error("probe left merge in progress")
	}
}

func TestStartMerge_TheirsResolution(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	if _, err := r.CreateBranchWithCommit("overstory/bob/t2", "main", "bob edit", map[string]string{
		"shared.txt": "bob version\n",
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Git.Checkout(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Git.AddCommit(ctx, "main edit", map[string]string{
		"shared.txt": "main version\n",
	}); err != nil {
		t.Fatal(err)
	}

	conflicts, err := r.Git.StartMerge(ctx, "overstory/bob/t2")
	if err != nil {
		t.Fatalf("StartMerge: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", conflicts)
	}

	if err := r.Git.CheckoutTheirs(ctx, "shared.txt"); err != nil {
		t.Fatalf("CheckoutTheirs: %v", err)
	}
	if err := r.Git.Add(ctx, "shared.txt"); err != nil {
		t.Fatal(err)
	}
	if err := r.Git.Commit(ctx, "merge bob"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(r.Path, "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "bob version\n" {
		t.Errorf("shared.txt = %q, want incoming side", content)
	}
}

func TestWorktreeAddListRemove(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "alice")
	if err := r.Git.WorktreeAdd(ctx, wtPath, "overstory/alice/t1", "main"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if err := r.Git.VerifyWorktree(wtPath); err != nil {
		t.Errorf("VerifyWorktree: %v", err)
	}

	list, err := r.Git.WorktreeList(ctx)
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	found := false
	for _, wt := range list {
		if wt.Branch == "overstory/alice/t1" {
			found = true
		}
	}
	if !found {
		t.Errorf("worktree not in list: %+v", list)
	}

	if err := r.Git.WorktreeRemove(ctx, wtPath, false); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	if err := r.Git.WorktreePrune(ctx); err != nil {
		t.Fatalf("WorktreePrune: %v", err)
	}
}

func TestParseAgentBranch(t *testing.T) {
	tests := []struct {
		branch      string
		agent, bead string
		ok          bool
	}{
		{"overstory/alice/task-1", "alice", "task-1", true},
		{"overstory/bob/os-12.3", "bob", "os-12.3", true},
		{"main", "", "", false},
		{"overstory/noBead", "", "", false},
		{"overstory//x", "", "", false},
	}
	for _, tt := range tests {
		agent, bead, ok := ParseAgentBranch(tt.branch)
		if agent != tt.agent || bead != tt.bead || ok != tt.ok {
			t.Errorf("ParseAgentBranch(%q) = %q,%q,%v", tt.branch, agent, bead, ok)
		}
	}
}
