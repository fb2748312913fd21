// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorktreeList(t *testing.T) {
	output := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /work/b1/agent-0
HEAD 2222222222222222222222222222222222222222
branch refs/heads/arena/task-7-b1-0

worktree /work/b1/agent-1
HEAD 3333333333333333333333333333333333333333
detached
`
	worktrees := parseWorktreeList(output)

	require.Len(t, worktrees, 2)
	assert.Equal(t, WorktreeInfo{Path: "/work/b1/agent-0", Branch: "arena/task-7-b1-0"}, worktrees[0])
	assert.Equal(t, WorktreeInfo{Path: "/work/b1/agent-1"}, worktrees[1])
}

// initTestRepo creates a repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestWorktreeManager_Lifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	repo := initTestRepo(t)
	wm := NewWorktreeManager(repo, "origin", "main")
	require.NoError(t, wm.EnsureRepository(ctx, ""))

	path := filepath.Join(t.TempDir(), "b1", "agent-0")
	require.NoError(t, wm.CreateWorktree(ctx, path, "arena/task-1-b1-0"))
	assert.Error(t, wm.CreateWorktree(ctx, path, "arena/task-1-b1-x"), "existing path must be rejected")

	dirty, err := wm.HasUncommittedChanges(ctx, path)
	require.NoError(t, err)
	assert.False(t, dirty)

	_, err = wm.CommitAll(ctx, path, "empty")
	assert.ErrorIs(t, err, ErrNothingToCommit)

	require.NoError(t, os.WriteFile(filepath.Join(path, "new.txt"), []byte("x\n"), 0o644))
	dirty, err = wm.HasUncommittedChanges(ctx, path)
	require.NoError(t, err)
	assert.True(t, dirty)

	hash, err := wm.CommitAll(ctx, path, "add new.txt")
	require.NoError(t, err)
	assert.Len(t, hash, 40)
	require.NoError(t, wm.Push(ctx, path, "arena/task-1-b1-0"), "push without remote is a no-op")

	worktrees, err := wm.ListWorktrees(ctx)
	require.NoError(t, err)
	require.Len(t, worktrees, 1)
	assert.Equal(t, "arena/task-1-b1-0", worktrees[0].Branch)

	branches, err := wm.ListBranches(ctx, "arena/")
	require.NoError(t, err)
	assert.Equal(t, []string{"arena/task-1-b1-0"}, branches)

	require.NoError(t, wm.RemoveWorktree(ctx, path))
	require.NoError(t, wm.RemoveWorktree(ctx, path), "removal is idempotent")
	require.NoError(t, wm.DeleteBranch(ctx, "arena/task-1-b1-0"))
	require.NoError(t, wm.DeleteBranch(ctx, "arena/task-1-b1-0"), "branch deletion is idempotent")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
