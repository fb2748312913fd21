// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-arena/internal/tracker"
)

type stubTracker struct {
	configured bool
	tasks      []tracker.Task
	err        error
}

func (s *stubTracker) Configured() bool { return s.configured }

func (s *stubTracker) FetchOpenTasks(context.Context) ([]tracker.Task, error) {
	return s.tasks, s.err
}

func (s *stubTracker) GetTask(context.Context, int) (*tracker.Task, error) { return nil, nil }

func (s *stubTracker) PublishResult(context.Context, string, int, string) (string, error) {
	return "", nil
}

type stubSweeper struct{ calls int }

func (s *stubSweeper) CleanupAll(context.Context) { s.calls++ }

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "arena dev\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "arena dev\n", out)
}

func TestRootCommand_ListsSubcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "sweep", "tasks", "version"})
}

func TestConfigFlag_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte("battle:\n  max_concurrent: 0\n"), 0644))

	_, err := execute(t, "--config", path, "tasks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")
}

func TestTasksCommand_Unconfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0644))

	_, err := execute(t, "--config", path, "tasks")
	assert.ErrorIs(t, err, tracker.ErrNotConfigured)
}

func TestRunTasks(t *testing.T) {
	client := &stubTracker{configured: true, tasks: []tracker.Task{
		{ID: 4, Title: "Fix login", Labels: []string{"bug", "arena"}},
		{ID: 9, Title: "Add dark mode"},
	}}

	var out bytes.Buffer
	require.NoError(t, runTasks(context.Background(), client, &out, false))
	assert.Contains(t, out.String(), "#4")
	assert.Contains(t, out.String(), "Fix login")
	assert.Contains(t, out.String(), "bug,arena")
	assert.Contains(t, out.String(), "Add dark mode")

	out.Reset()
	require.NoError(t, runTasks(context.Background(), client, &out, true))
	var decoded []tracker.Task
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, client.tasks, decoded)

	out.Reset()
	require.NoError(t, runTasks(context.Background(), &stubTracker{configured: true}, &out, false))
	assert.Equal(t, "no open tasks\n", out.String())

	failing := &stubTracker{configured: true, err: tracker.ErrAuthRequired}
	err := runTasks(context.Background(), failing, &out, false)
	assert.True(t, errors.Is(err, tracker.ErrAuthRequired))
}

func TestRunSweep(t *testing.T) {
	s := &stubSweeper{}
	var out bytes.Buffer

	require.NoError(t, runSweep(context.Background(), s, &out))
	require.NoError(t, runSweep(context.Background(), s, &out))

	assert.Equal(t, 2, s.calls)
	assert.Contains(t, out.String(), "sweep complete")
}
