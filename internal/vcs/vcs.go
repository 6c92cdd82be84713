// Package vcs wraps the narrow set of git subprocess calls the
// orchestration core is allowed to make: worktree add/remove, commit,
// diff, status, push. Every other VCS concern (review commands,
// hosting) stays external. Stdout/stderr are captured into buffers and
// no shell is involved, so arguments are never subject to shell
// interpretation.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repo is a handle to one git repository checkout (the main project
// checkout, never a worker's own worktree reaching back into it).
type Repo struct {
	// Dir is the repository root `git` commands run from.
	Dir string
}

// New returns a Repo rooted at dir.
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

// run executes git with args inside r.Dir, returning stdout with
// trailing newlines removed (leading spaces are kept, since a porcelain
// status line can begin with one) or a wrapped error including captured
// stderr.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("vcs: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// WorktreeAdd creates a new worktree at dir pinned to baseRevision, on
// a fresh branch named branch.
func (r *Repo) WorktreeAdd(ctx context.Context, dir, branch, baseRevision string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", branch, dir, baseRevision)
	return err
}

// WorktreeRemove force-removes a worker's worktree. Force is required
// because an agent inside it may have left uncommitted changes.
func (r *Repo) WorktreeRemove(ctx context.Context, dir string) error {
	_, err := r.run(ctx, "worktree", "remove", "--force", dir)
	return err
}

// Status reports porcelain status lines for dir (either the main
// checkout, for the violation monitor, or a worker's own worktree).
func (r *Repo) Status(ctx context.Context, dir string) ([]string, error) {
	repo := &Repo{Dir: dir}
	out, err := repo.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Diff returns the unified diff of uncommitted changes in dir.
func (r *Repo) Diff(ctx context.Context, dir string) (string, error) {
	repo := &Repo{Dir: dir}
	return repo.run(ctx, "diff", "HEAD")
}

// Commit stages every change in the worktree and commits with message.
// It returns (false, nil) rather than an error when there is nothing to
// commit, since "no changes after a read-only-adjacent step" is a
// normal outcome, not a failure.
func (r *Repo) Commit(ctx context.Context, worktreeDir, message string) (bool, error) {
	repo := &Repo{Dir: worktreeDir}
	if _, err := repo.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	status, err := repo.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := repo.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes worktreeDir's current branch to origin, creating the
// remote branch if it doesn't exist yet.
func (r *Repo) Push(ctx context.Context, worktreeDir, branch string) error {
	repo := &Repo{Dir: worktreeDir}
	_, err := repo.run(ctx, "push", "-u", "origin", branch)
	return err
}

// CurrentBranch returns the checked-out branch name for dir.
func (r *Repo) CurrentBranch(ctx context.Context, dir string) (string, error) {
	repo := &Repo{Dir: dir}
	return repo.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// StepCommitMessage builds the conventional commit message the pipeline
// runner uses after a non-read-only step.
func StepCommitMessage(taskID, stepID string) string {
	return fmt.Sprintf("%s: %s step", taskID, stepID)
}
