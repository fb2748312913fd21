// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNothingToCommit is returned by CommitAll when the worktree is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

// WorktreeManager is the git plumbing beneath workspace provisioning: one
// shared clone plus linked worktrees, each on its own branch.
type WorktreeManager struct {
	repoDir    string
	remote     string
	baseBranch string
	gitCommand string
}

// WorktreeInfo contains information about a worktree
type WorktreeInfo struct {
	Path   string
	Branch string
}

// NewWorktreeManager creates a new worktree manager for the clone at repoDir.
func NewWorktreeManager(repoDir, remote, baseBranch string) *WorktreeManager {
	if remote == "" {
		remote = "origin"
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &WorktreeManager{
		repoDir:    repoDir,
		remote:     remote,
		baseBranch: baseBranch,
		gitCommand: "git",
	}
}

// RepoDir returns the directory of the shared clone.
func (wm *WorktreeManager) RepoDir() string {
	return wm.repoDir
}

// EnsureRepository clones url into the repo directory, or fetches when a
// clone is already there. An empty url means the directory is an existing
// repository that only needs a fetch (and may have no remote at all).
func (wm *WorktreeManager) EnsureRepository(ctx context.Context, url string) error {
	if _, err := os.Stat(filepath.Join(wm.repoDir, ".git")); err == nil {
		if !wm.hasRemote(ctx) {
			return nil
		}
		if _, err := wm.git(ctx, wm.repoDir, "fetch", "--prune", wm.remote); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", wm.remote, err)
		}
		return nil
	}

	if url == "" {
		return fmt.Errorf("%s is not a git repository and no source url was given", wm.repoDir)
	}
	if err := os.MkdirAll(filepath.Dir(wm.repoDir), 0o755); err != nil {
		return fmt.Errorf("failed to create clone parent directory: %w", err)
	}
	if _, err := wm.git(ctx, "", "clone", "--origin", wm.remote, url, wm.repoDir); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// CreateWorktree adds a worktree at path on a new branch started from the
// base branch (the remote-tracking ref when a remote exists).
func (wm *WorktreeManager) CreateWorktree(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("worktree path %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	start := wm.baseBranch
	if wm.hasRemote(ctx) {
		start = wm.remote + "/" + wm.baseBranch
	}

	if _, err := wm.git(ctx, wm.repoDir, "worktree", "add", "-b", branch, path, start); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	return nil
}

// RemoveWorktree removes the worktree at path. A missing worktree is not an
// error.
func (wm *WorktreeManager) RemoveWorktree(ctx context.Context, path string) error {
	_, err := wm.git(ctx, wm.repoDir, "worktree", "remove", "--force", path)
	if err == nil {
		return nil
	}

	// Fall back to deleting the directory and pruning the registration.
	rmErr := os.RemoveAll(path)
	_, _ = wm.git(ctx, wm.repoDir, "worktree", "prune")
	if rmErr != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", path, rmErr)
	}
	return nil
}

// DeleteBranch force-deletes a local branch. A missing branch is not an error.
func (wm *WorktreeManager) DeleteBranch(ctx context.Context, branch string) error {
	out, err := wm.git(ctx, wm.repoDir, "branch", "-D", branch)
	if err != nil {
		if strings.Contains(out, "not found") {
			return nil
		}
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

// ListWorktrees lists the linked worktrees of the repository.
func (wm *WorktreeManager) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := wm.git(ctx, wm.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

// ListBranches lists local branches whose name starts with prefix.
func (wm *WorktreeManager) ListBranches(ctx context.Context, prefix string) ([]string, error) {
	out, err := wm.git(ctx, wm.repoDir, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// PruneWorktrees removes administrative data for worktrees that no longer exist
func (wm *WorktreeManager) PruneWorktrees(ctx context.Context) error {
	if _, err := wm.git(ctx, wm.repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// HasUncommittedChanges reports whether the worktree has staged, unstaged or
// untracked changes.
func (wm *WorktreeManager) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	out, err := wm.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to get status of %s: %w", path, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages every change in the worktree and commits it, returning the
// new commit hash. It returns ErrNothingToCommit when nothing is staged.
func (wm *WorktreeManager) CommitAll(ctx context.Context, path, message string) (string, error) {
	if _, err := wm.git(ctx, path, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}

	staged, err := wm.git(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		return "", ErrNothingToCommit
	}

	if _, err := wm.git(ctx, path, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	hash, err := wm.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Push publishes branch to the remote. Without a configured remote it is a
// no-op, which keeps local-only repositories usable.
func (wm *WorktreeManager) Push(ctx context.Context, path, branch string) error {
	if !wm.hasRemote(ctx) {
		return nil
	}
	if _, err := wm.git(ctx, path, "push", "--set-upstream", wm.remote, branch); err != nil {
		return fmt.Errorf("git push of %s failed: %w", branch, err)
	}
	return nil
}

func (wm *WorktreeManager) hasRemote(ctx context.Context) bool {
	_, err := wm.git(ctx, wm.repoDir, "remote", "get-url", wm.remote)
	return err == nil
}

func (wm *WorktreeManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, wm.gitCommand, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w\nOutput: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// parseWorktreeList parses `git worktree list --porcelain`, skipping the main
// worktree (always listed first).
func parseWorktreeList(output string) []WorktreeInfo {
	var (
		worktrees []WorktreeInfo
		current   *WorktreeInfo
		index     int
	)

	flush := func() {
		if current != nil {
			if index > 0 {
				worktrees = append(worktrees, *current)
			}
			index++
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()

	return worktrees
}
