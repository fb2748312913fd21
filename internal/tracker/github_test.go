// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package tracker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	name string
	args []string
}

func fakeExecutor(output string, err error, calls *[]recordedCall) CommandExecutor {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, recordedCall{name: name, args: args})
		return []byte(output), err
	}
}

func TestGitHub_Configured(t *testing.T) {
	assert.False(t, NewGitHub(GitHubOptions{}).Configured())
	assert.True(t, NewGitHub(GitHubOptions{Repo: "owner/repo"}).Configured())
}

func TestGitHub_NotConfigured(t *testing.T) {
	var calls []recordedCall
	g := NewGitHubWithExecutor(GitHubOptions{}, fakeExecutor("", nil, &calls))
	ctx := context.Background()

	_, err := g.FetchOpenTasks(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = g.GetTask(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = g.PublishResult(ctx, "b", 1, "t")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, calls)
}

func TestGitHub_FetchOpenTasks(t *testing.T) {
	output := `[
	  {"number": 12, "title": "Fix flaky test", "body": "It flakes.", "url": "https://github.com/o/r/issues/12", "state": "OPEN", "labels": [{"name": "bug"}, {"name": "arena"}]},
	  {"number": 7, "title": "Add docs", "body": "", "url": "https://github.com/o/r/issues/7", "state": "OPEN", "labels": []}
	]`
	var calls []recordedCall
	g := NewGitHubWithExecutor(GitHubOptions{Repo: "o/r", Label: "arena", Limit: 5}, fakeExecutor(output, nil, &calls))

	tasks, err := g.FetchOpenTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, Task{
		ID:     12,
		Title:  "Fix flaky test",
		Body:   "It flakes.",
		Labels: []string{"bug", "arena"},
		URL:    "https://github.com/o/r/issues/12",
		State:  "open",
	}, tasks[0])
	assert.Equal(t, "7", tasks[1].Ref())
	assert.Nil(t, tasks[1].Labels)

	require.Len(t, calls, 1)
	assert.Equal(t, "gh", calls[0].name)
	assert.Equal(t, []string{"issue", "list", "--state", "open", "--json", issueFields,
		"--limit", "5", "--label", "arena", "--repo", "o/r"}, calls[0].args)
}

func TestGitHub_FetchOpenTasks_Empty(t *testing.T) {
	var calls []recordedCall
	g := NewGitHubWithExecutor(GitHubOptions{Repo: "o/r"}, fakeExecutor("[]", nil, &calls))

	tasks, err := g.FetchOpenTasks(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, tasks)
	assert.Empty(t, tasks)
}

func TestGitHub_GetTask(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    *Task
		wantErr error
	}{
		{
			name:   "found",
			output: `{"number": 3, "title": "Crash on start", "body": "trace", "url": "u", "state": "OPEN", "labels": []}`,
			want:   &Task{ID: 3, Title: "Crash on start", Body: "trace", URL: "u", State: "open"},
		},
		{
			name:   "missing issue",
			output: "GraphQL: Could not resolve to an issue or pull request with the number of 3.",
			err:    errors.New("exit status 1"),
		},
		{
			name:    "gh not installed",
			err:     &exec.Error{Name: "gh", Err: errors.New("executable file not found")},
			wantErr: ErrProviderUnavailable,
		},
		{
			name:    "authentication required",
			output:  "To authenticate, run: gh auth login",
			err:     fmt.Errorf("exit status 1"),
			wantErr: ErrAuthRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []recordedCall
			g := NewGitHubWithExecutor(GitHubOptions{Repo: "o/r"}, fakeExecutor(tt.output, tt.err, &calls))

			got, err := g.GetTask(context.Background(), 3)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGitHub_PublishResult(t *testing.T) {
	var calls []recordedCall
	output := "Creating pull request for arena/task-3-abc-0 into main in o/r\n\nhttps://github.com/o/r/pull/9\n"
	g := NewGitHubWithExecutor(GitHubOptions{Repo: "o/r", BaseBranch: "develop"}, fakeExecutor(output, nil, &calls))

	url, err := g.PublishResult(context.Background(), "arena/task-3-abc-0", 3, "")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/o/r/pull/9", url)

	require.Len(t, calls, 1)
	args := calls[0].args
	assert.Equal(t, []string{"pr", "create", "--head", "arena/task-3-abc-0", "--base", "develop", "--title", "Resolve #3"}, args[:8])
	assert.Contains(t, args[9], "Closes #3")
}

func TestGitHub_PublishResult_Failure(t *testing.T) {
	var calls []recordedCall
	g := NewGitHubWithExecutor(GitHubOptions{Repo: "o/r"}, fakeExecutor("a pull request already exists", errors.New("exit status 1"), &calls))

	_, err := g.PublishResult(context.Background(), "b", 1, "title")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestGitHub_PublishResult_UnexpectedOutput(t *testing.T) {
	var calls []recordedCall
	g := NewGitHubWithExecutor(GitHubOptions{Repo: "o/r"}, fakeExecutor("warning: something odd", nil, &calls))

	_, err := g.PublishResult(context.Background(), "b", 1, "title")
	assert.Error(t, err)
}
