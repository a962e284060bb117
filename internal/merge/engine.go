// Package merge integrates completed worker branches into the target
// branch through an escalation ladder: clean merge, mechanical
// content resolution, then the AI tiers when enabled. Outcomes update
// the durable queue and feed per-file conflict history so later
// merges can skip tiers that keep failing on a file.
package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/git"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/telemetry"
)

// Engine resolves merge-queue entries. It operates on the repository
// at Root, which must have no uncommitted changes; the target branch
// is checked out before merging.
type Engine struct {
	Queue *store.MergeQueue
	Git   *git.Git
	Runs  *runstate.Store
	Root  string

	// Provider and Model drive the AI tiers. Provider may be nil when
	// neither AI tier is enabled.
	Provider *provider.Provider
	Model    string

	AIResolveEnabled bool
	ReimagineEnabled bool

	// Defaults structure the fallbacks of target resolution.
	CanonicalBranch string

	// Output receives progress lines (io.Discard when nil).
	Output io.Writer
}

// Options adjusts one resolve invocation.
type Options struct {
	// Into overrides target resolution.
	Into string
}

// Result reports one resolve attempt.
type Result struct {
	Success       bool
	Tier          string
	Entry         store.MergeEntry
	ConflictFiles []string
	ErrorMessage  string
}

// Target resolves the merge target: --into, then the session-branch
// pointer, then the canonical branch.
func (e *Engine) Target(opts Options) (string, error) {
	if opts.Into != "" {
		return opts.Into, nil
	}
	if e.Runs != nil {
		branch, err := e.Runs.SessionBranch()
		if err != nil {
			return "", err
		}
		if branch != "" {
			return branch, nil
		}
	}
	if e.CanonicalBranch == "" {
		return "", errdefs.Mergef("no merge target: set --into or project.canonicalBranch")
	}
	return e.CanonicalBranch, nil
}

// EnqueueBranch queues a branch that is not yet in the queue: the ref
// must exist and follow the worker branch pattern. Modified files come
// from the diff against target. Re-enqueueing is idempotent.
func (e *Engine) EnqueueBranch(ctx context.Context, branch, target string) (store.MergeEntry, error) {
	if !e.Git.BranchExists(ctx, branch) {
		return store.MergeEntry{}, errdefs.Mergef("branch %q not found", branch)
	}
	agent, bead, ok := git.ParseAgentBranch(branch)
	if !ok {
		return store.MergeEntry{}, errdefs.Mergef("branch %q does not match overstory/{agent}/{bead}", branch)
	}
	files, err := e.Git.DiffNameOnly(ctx, target, branch)
	if err != nil {
		return store.MergeEntry{}, errdefs.Wrap(errdefs.KindMerge, err, "diffing branch")
	}
	entry, err := e.Queue.Enqueue(store.MergeEntry{
		BranchName:    branch,
		AgentName:     agent,
		BeadID:        bead,
		FilesModified: files,
	})
	if err != nil {
		return store.MergeEntry{}, errdefs.Wrap(errdefs.KindMerge, err, "enqueueing branch")
	}
	return entry, nil
}

// Resolve merges one branch, queueing it first if needed. An entry
// already in merged state returns success without touching git.
func (e *Engine) Resolve(ctx context.Context, branch string, opts Options) (Result, error) {
	target, err := e.Target(opts)
	if err != nil {
		return Result{}, err
	}

	entry, found, err := e.Queue.GetByBranch(branch)
	if err != nil {
		return Result{}, errdefs.Wrap(errdefs.KindMerge, err, "loading queue entry")
	}
	if !found {
		entry, err = e.EnqueueBranch(ctx, branch, target)
		if err != nil {
			return Result{}, err
		}
	}
	if entry.Status == store.MergeMerged {
		return Result{Success: true, Tier: entry.ResolvedTier, Entry: entry}, nil
	}

	if !e.Git.BranchExists(ctx, branch) {
		msg := fmt.Sprintf("branch %s disappeared", branch)
		_ = e.Queue.UpdateStatus(branch, store.MergeFailed, "", msg)
		return e.finish(branch, Result{Tier: "", ErrorMessage: msg, ConflictFiles: nil})
	}

	dirty, err := e.Git.HasUncommittedChanges(ctx)
	if err != nil {
		return Result{}, errdefs.Wrap(errdefs.KindMerge, err, "checking worktree state")
	}
	if dirty {
		return Result{}, errdefs.Mergef("repository at %s has uncommitted changes; commit or stash before merging", e.Root)
	}
	if err := e.Git.Checkout(ctx, target); err != nil {
		return Result{}, errdefs.Wrap(errdefs.KindMerge, err, "checking out "+target)
	}

	if entry.Status == store.MergePending {
		if err := e.Queue.UpdateStatus(branch, store.MergeMerging, "", ""); err != nil {
			return Result{}, errdefs.Wrap(errdefs.KindMerge, err, "marking entry merging")
		}
	}

	// Branch content already on target (merged by hand, or an earlier
	// run died between commit and bookkeeping): record it, no git.
	if e.Git.IsAncestor(ctx, branch, target) {
		if err := e.Queue.UpdateStatus(branch, store.MergeMerged, store.TierCleanMerge, ""); err != nil {
			return Result{}, errdefs.Wrap(errdefs.KindMerge, err, "marking entry merged")
		}
		return e.finish(branch, Result{Success: true, Tier: store.TierCleanMerge})
	}

	fmt.Fprintf(e.out(), "merging %s into %s\n", branch, target)

	conflicts, err := e.Git.StartMerge(ctx, branch)
	if err != nil {
		_ = e.Git.AbortMerge(ctx)
		msg := err.Error()
		_ = e.Queue.UpdateStatus(branch, store.MergeConflict, store.TierCleanMerge, msg)
		return e.finish(branch, Result{Tier: store.TierCleanMerge, ErrorMessage: msg})
	}
	if len(conflicts) == 0 {
		return e.succeed(ctx, branch, target, store.TierCleanMerge, nil)
	}

	fmt.Fprintf(e.out(), "conflicts in %d file(s): %s\n", len(conflicts), strings.Join(conflicts, ", "))
	_ = e.Git.AbortMerge(ctx)

	lastTier := store.TierCleanMerge
	lastErr := fmt.Sprintf("merge conflicts in %d file(s)", len(conflicts))
	for _, tier := range e.tierPlan(conflicts) {
		lastTier = tier
		fmt.Fprintf(e.out(), "trying %s\n", tier)

		tierConflicts, err := e.Git.StartMerge(ctx, branch)
		if err != nil {
			_ = e.Git.AbortMerge(ctx)
			lastErr = err.Error()
			continue
		}
		if len(tierConflicts) == 0 {
			return e.succeed(ctx, branch, target, store.TierCleanMerge, nil)
		}

		failedFile, err := e.applyTier(ctx, tier, tierConflicts, entry, target, branch)
		if err == nil {
			return e.succeed(ctx, branch, target, tier, tierConflicts)
		}
		lastErr = err.Error()
		if failedFile != "" {
			_ = e.Queue.RecordConflictOutcome(failedFile, tier, branch, false)
		}
		_ = e.Git.AbortMerge(ctx)
	}

	_ = e.Queue.UpdateStatus(branch, store.MergeConflict, lastTier, lastErr)
	return e.finish(branch, Result{Tier: lastTier, ConflictFiles: conflicts, ErrorMessage: lastErr})
}

// ResolveNext processes the oldest pending entry. ok is false when the
// queue has none.
func (e *Engine) ResolveNext(ctx context.Context, opts Options) (Result, bool, error) {
	entry, found, err := e.Queue.NextPending()
	if err != nil {
		return Result{}, false, errdefs.Wrap(errdefs.KindMerge, err, "reading queue")
	}
	if !found {
		return Result{}, false, nil
	}
	res, err := e.Resolve(ctx, entry.BranchName, opts)
	return res, true, err
}

// ResolveAll drains pending entries in FIFO order, stopping only on
// infrastructure errors. Per-entry conflicts keep the loop going.
func (e *Engine) ResolveAll(ctx context.Context, opts Options) ([]Result, error) {
	var results []Result
	for {
		res, ok, err := e.ResolveNext(ctx, opts)
		if err != nil {
			return results, err
		}
		if !ok {
			return results, nil
		}
		results = append(results, res)
	}
}

// tierPlan orders the escalation tiers for this entry, honoring the
// config gates and skipping tiers with an unbroken failure history on
// any of the conflicted files. Reimagine, the last resort, is never
// skipped on history.
func (e *Engine) tierPlan(conflicts []string) []string {
	var plan []string
	if !e.historySaysSkip(store.TierContentWins, conflicts) {
		plan = append(plan, store.TierContentWins)
	}
	if e.AIResolveEnabled && e.Provider != nil && !e.historySaysSkip(store.TierAIAssist, conflicts) {
		plan = append(plan, store.TierAIAssist)
	}
	if e.ReimagineEnabled && e.Provider != nil {
		plan = append(plan, store.TierReimagine)
	}
	return plan
}

func (e *Engine) historySaysSkip(tier string, conflicts []string) bool {
	for _, file := range conflicts {
		outcomes, err := e.Queue.ConflictHistory(file)
		if err != nil {
			continue
		}
		for _, o := range outcomes {
			if o.Tier == tier && o.Failures > 0 && o.Successes == 0 {
				fmt.Fprintf(e.out(), "skipping %s: it keeps failing on %s\n", tier, file)
				return true
			}
		}
	}
	return false
}

// applyTier stages a resolution for every conflicted file. On error it
// names the file that failed so its history can be recorded.
func (e *Engine) applyTier(ctx context.Context, tier string, conflicts []string, entry store.MergeEntry, target, branch string) (failedFile string, err error) {
	switch tier {
	case store.TierContentWins:
		for _, file := range conflicts {
			if err := e.Git.CheckoutTheirs(ctx, file); err != nil {
				return file, fmt.Errorf("content-wins on %s: %w", file, err)
			}
		}
	case store.TierAIAssist:
		for _, file := range conflicts {
			if err := e.aiAssistFile(ctx, file, target, branch); err != nil {
				return file, err
			}
		}
	case store.TierReimagine:
		for _, file := range conflicts {
			if err := e.reimagineFile(ctx, file, entry, target, branch); err != nil {
				return file, err
			}
		}
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	if err := e.Git.Add(ctx, conflicts...); err != nil {
		return "", fmt.Errorf("staging resolutions: %w", err)
	}
	return "", nil
}

func (e *Engine) succeed(ctx context.Context, branch, target, tier string, conflicts []string) (Result, error) {
	msg := fmt.Sprintf("Merge %s into %s (%s)", branch, target, tier)
	if err := e.Git.Commit(ctx, msg); err != nil {
		_ = e.Git.AbortMerge(ctx)
		errMsg := fmt.Sprintf("committing merge: %v", err)
		_ = e.Queue.UpdateStatus(branch, store.MergeConflict, tier, errMsg)
		return e.finish(branch, Result{Tier: tier, ConflictFiles: conflicts, ErrorMessage: errMsg})
	}
	for _, file := range conflicts {
		_ = e.Queue.RecordConflictOutcome(file, tier, branch, true)
	}
	if err := e.Queue.UpdateStatus(branch, store.MergeMerged, tier, ""); err != nil {
		return Result{}, errdefs.Wrap(errdefs.KindMerge, err, "marking entry merged")
	}
	fmt.Fprintf(e.out(), "merged %s (%s)\n", branch, tier)
	res, err := e.finish(branch, Result{Success: true, Tier: tier, ConflictFiles: conflicts})
	return res, err
}

// finish reloads the entry so the result carries its final state.
func (e *Engine) finish(branch string, res Result) (Result, error) {
	entry, found, err := e.Queue.GetByBranch(branch)
	if err != nil {
		return res, errdefs.Wrap(errdefs.KindMerge, err, "reloading entry")
	}
	if found {
		res.Entry = entry
		switch entry.Status {
		case store.MergeMerged, store.MergeConflict, store.MergeFailed:
			telemetry.RecordMerge(context.Background(), entry.ResolvedTier, entry.Status)
		}
	}
	return res, nil
}

func (e *Engine) out() io.Writer {
	if e.Output == nil {
		return io.Discard
	}
	return e.Output
}

// aiAssistFile asks the provider to resolve one conflicted file from
// its conflict markers, hinting with strategies that worked on this
// file before.
func (e *Engine) aiAssistFile(ctx context.Context, file, target, branch string) error {
	raw, err := os.ReadFile(filepath.Join(e.Root, file))
	if err != nil {
		return fmt.Errorf("reading conflicted %s: %w", file, err)
	}

	var hints string
	if outcomes, err := e.Queue.ConflictHistory(file); err == nil {
		var worked []string
		for _, o := range outcomes {
			if o.Successes > 0 {
				worked = append(worked, fmt.Sprintf("%s (%d of %d)", o.Tier, o.Successes, o.Successes+o.Failures))
			}
		}
		if len(worked) > 0 {
			hints = "Strategies that previously resolved this file: " + strings.Join(worked, ", ") + ".\n"
		}
	}

	prompt := fmt.Sprintf(`You are resolving a git merge conflict.
Branch %s is being merged into %s. The file %s below contains conflict markers.
%sProduce the fully resolved content of the file, preserving the intent of both sides.
Output only the file content. No commentary, no code fences.

%s`, branch, target, file, hints, string(raw))

	resolved, err := e.Provider.Invoke(ctx, e.Model, prompt)
	if err != nil {
		return fmt.Errorf("ai-assist on %s: %w", file, err)
	}
	return e.writeResolution(file, resolved)
}

// reimagineFile asks the provider for a full rewrite from both sides'
// complete versions plus the task context.
func (e *Engine) reimagineFile(ctx context.Context, file string, entry store.MergeEntry, target, branch string) error {
	ours, err := e.Git.ShowFile(ctx, target, file)
	if err != nil {
		ours = "" // file may not exist on the target side
	}
	theirs, err := e.Git.ShowFile(ctx, branch, file)
	if err != nil {
		theirs = ""
	}
	if ours == "" && theirs == "" {
		return fmt.Errorf("reimagine on %s: no content on either side", file)
	}

	task := entry.BeadID
	if task == "" {
		task = "(no bead)"
	}
	prompt := fmt.Sprintf(`Mechanical and assisted merge resolution failed for %s.
Agent %s implemented task %s on branch %s, merging into %s.
Write a single coherent version of the file that preserves the intent of both versions.
Output only the file content. No commentary, no code fences.

=== Version on %s ===
%s

=== Version on %s ===
%s`, file, entry.AgentName, task, branch, target, target, ours, branch, theirs)

	resolved, err := e.Provider.Invoke(ctx, e.Model, prompt)
	if err != nil {
		return fmt.Errorf("reimagine on %s: %w", file, err)
	}
	return e.writeResolution(file, resolved)
}

// writeResolution validates and installs an AI-produced file body.
func (e *Engine) writeResolution(file, body string) error {
	body = stripFences(body)
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("resolution for %s is empty", file)
	}
	if strings.Contains(body, "<<<<<<<") || strings.Contains(body, ">>>>>>>") {
		return fmt.Errorf("resolution for %s still contains conflict markers", file)
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	if err := os.WriteFile(filepath.Join(e.Root, file), []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing resolution for %s: %w", file, err)
	}
	return nil
}

// stripFences removes a wrapping markdown code fence if the model
// added one despite instructions.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	last := len(lines) - 1
	if strings.TrimSpace(lines[last]) != "```" {
		return s
	}
	return strings.Join(lines[1:last], "\n")
}
