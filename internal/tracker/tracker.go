// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package tracker is the boundary to the remote task tracker that supplies
// tasks and receives published results.
package tracker

import (
	"context"
	"errors"
	"strconv"
)

// Task is one unit of work in the tracker.
type Task struct {
	ID     int      `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"url,omitempty"`
	State  string   `json:"state,omitempty"`
}

// Ref returns the task id as used in branch names and prompts.
func (t Task) Ref() string {
	return strconv.Itoa(t.ID)
}

// Client is what the orchestrator needs from a task tracker.
type Client interface {
	// Configured reports whether the tracker can be used at all.
	Configured() bool

	// FetchOpenTasks lists the open tasks.
	FetchOpenTasks(ctx context.Context) ([]Task, error)

	// GetTask returns the task with the given id, or nil when it does not exist.
	GetTask(ctx context.Context, id int) (*Task, error)

	// PublishResult proposes branch as the resolution of taskID and returns
	// the URL of the published change.
	PublishResult(ctx context.Context, branch string, taskID int, title string) (string, error)
}

// Sentinel errors for tracker operations.
var (
	// ErrNotConfigured indicates that no tracker repository is set.
	ErrNotConfigured = errors.New("task tracker not configured")

	// ErrAuthRequired indicates that authentication is required.
	ErrAuthRequired = errors.New("authentication required")

	// ErrProviderUnavailable indicates that the provider tool/API is not available.
	ErrProviderUnavailable = errors.New("provider unavailable")
)
