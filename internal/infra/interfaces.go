// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
	"time"
)

// PortManagerInterface defines the interface for port allocation management
type PortManagerInterface interface {
	// Allocate reserves the next available port
	Allocate() (int, error)

	// Release frees a previously allocated port
	Release(port int) error
}

// ServerManagerInterface defines the interface for server lifecycle management
type ServerManagerInterface interface {
	// BootServer starts an opencode server on the specified port and working directory
	BootServer(ctx context.Context, workDir string, port int) (*ServerHandle, error)

	// Shutdown stops the server, escalating to SIGKILL after grace
	Shutdown(handle *ServerHandle, grace time.Duration) error

	// IsHealthy checks if the server is still responsive
	IsHealthy(ctx context.Context, handle *ServerHandle) bool
}

// PortKillerInterface force-releases a port held by a stray process.
type PortKillerInterface interface {
	KillPort(ctx context.Context, port int) (int, error)
}

// WorktreeManagerInterface is the source control surface used by workspace
// provisioning.
type WorktreeManagerInterface interface {
	EnsureRepository(ctx context.Context, url string) error
	CreateWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string) error
	DeleteBranch(ctx context.Context, branch string) error
	ListWorktrees(ctx context.Context) ([]WorktreeInfo, error)
	ListBranches(ctx context.Context, prefix string) ([]string, error)
	PruneWorktrees(ctx context.Context) error
	HasUncommittedChanges(ctx context.Context, path string) (bool, error)
	CommitAll(ctx context.Context, path, message string) (string, error)
	Push(ctx context.Context, path, branch string) error
}

// Ensure concrete types implement interfaces
var _ PortManagerInterface = (*PortManager)(nil)
var _ ServerManagerInterface = (*ServerManager)(nil)
var _ PortKillerInterface = (*PortKiller)(nil)
var _ WorktreeManagerInterface = (*WorktreeManager)(nil)
