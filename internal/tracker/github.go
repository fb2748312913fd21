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
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const issueFields = "number,title,body,labels,url,state"

// CommandExecutor runs a command and returns its combined output.
// This allows for dependency injection in tests.
type CommandExecutor func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExecutor(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// GitHubOptions selects the repository and the issues to race on.
type GitHubOptions struct {
	// Repo is "owner/name". Empty means the tracker is not configured.
	Repo string
	// Label restricts FetchOpenTasks to issues carrying it.
	Label string
	// BaseBranch is the target of published pull requests.
	BaseBranch string
	// Limit caps FetchOpenTasks. Zero means 50.
	Limit int
}

// GitHub implements Client on top of the gh CLI.
type GitHub struct {
	opts     GitHubOptions
	executor CommandExecutor
}

// NewGitHub creates a GitHub tracker using the default command executor.
func NewGitHub(opts GitHubOptions) *GitHub {
	return NewGitHubWithExecutor(opts, defaultExecutor)
}

// NewGitHubWithExecutor creates a GitHub tracker with a custom command
// executor for testing.
func NewGitHubWithExecutor(opts GitHubOptions, executor CommandExecutor) *GitHub {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	return &GitHub{opts: opts, executor: executor}
}

// Configured reports whether a repository is set.
func (g *GitHub) Configured() bool {
	return g.opts.Repo != ""
}

// FetchOpenTasks lists open issues, newest first.
func (g *GitHub) FetchOpenTasks(ctx context.Context) ([]Task, error) {
	if !g.Configured() {
		return nil, ErrNotConfigured
	}

	args := []string{"issue", "list", "--state", "open",
		"--json", issueFields,
		"--limit", strconv.Itoa(g.opts.Limit),
	}
	if g.opts.Label != "" {
		args = append(args, "--label", g.opts.Label)
	}

	output, err := g.gh(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(output) {
		return nil, fmt.Errorf("failed to parse issue list: %s", strings.TrimSpace(string(output)))
	}

	tasks := []Task{}
	gjson.ParseBytes(output).ForEach(func(_, issue gjson.Result) bool {
		tasks = append(tasks, taskOf(issue))
		return true
	})
	return tasks, nil
}

// GetTask looks up one issue. A missing issue yields (nil, nil).
func (g *GitHub) GetTask(ctx context.Context, id int) (*Task, error) {
	if !g.Configured() {
		return nil, ErrNotConfigured
	}

	output, err := g.gh(ctx, "issue", "view", strconv.Itoa(id), "--json", issueFields)
	if err != nil {
		if isNotFound(output) {
			return nil, nil
		}
		return nil, err
	}
	if !gjson.ValidBytes(output) {
		return nil, fmt.Errorf("failed to parse issue #%d: %s", id, strings.TrimSpace(string(output)))
	}

	task := taskOf(gjson.ParseBytes(output))
	return &task, nil
}

// PublishResult opens a pull request from branch that closes the issue.
func (g *GitHub) PublishResult(ctx context.Context, branch string, taskID int, title string) (string, error) {
	if !g.Configured() {
		return "", ErrNotConfigured
	}
	if title == "" {
		title = fmt.Sprintf("Resolve #%d", taskID)
	}

	output, err := g.gh(ctx, "pr", "create",
		"--head", branch,
		"--base", g.opts.BaseBranch,
		"--title", title,
		"--body", fmt.Sprintf("Closes #%d\n\nWinning attempt from branch `%s`.", taskID, branch),
	)
	if err != nil {
		return "", err
	}

	url := lastLine(output)
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("unexpected gh pr create output: %s", strings.TrimSpace(string(output)))
	}
	return url, nil
}

func (g *GitHub) gh(ctx context.Context, args ...string) ([]byte, error) {
	args = append(args, "--repo", g.opts.Repo)
	output, err := g.executor(ctx, "gh", args...)
	if err != nil {
		return output, classifyError(err, output)
	}
	return output, nil
}

// classifyError analyzes the error and output from a gh command
// and returns a more specific error type when possible.
func classifyError(err error, output []byte) error {
	outStr := strings.ToLower(string(output))

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, execErr)
	}

	if strings.Contains(outStr, "not logged in") ||
		strings.Contains(outStr, "authentication required") ||
		strings.Contains(outStr, "gh auth login") {
		return fmt.Errorf("%w: %s", ErrAuthRequired, strings.TrimSpace(string(output)))
	}

	return fmt.Errorf("gh command failed: %w\n%s", err, strings.TrimSpace(string(output)))
}

func isNotFound(output []byte) bool {
	out := strings.ToLower(string(output))
	return strings.Contains(out, "could not find issue") ||
		strings.Contains(out, "could not resolve to an issue") ||
		strings.Contains(out, "issue not found")
}

func taskOf(issue gjson.Result) Task {
	t := Task{
		ID:    int(issue.Get("number").Int()),
		Title: issue.Get("title").String(),
		Body:  issue.Get("body").String(),
		URL:   issue.Get("url").String(),
		State: strings.ToLower(issue.Get("state").String()),
	}
	for _, name := range issue.Get("labels.#.name").Array() {
		t.Labels = append(t.Labels, name.String())
	}
	return t
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Ensure GitHub implements Client
var _ Client = (*GitHub)(nil)
