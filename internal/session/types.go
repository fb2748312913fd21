// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package session runs one opencode session per competing attempt: it boots
// a dedicated server in the attempt's workspace, sends the task prompt,
// follows the event feed, and tears everything down again.
package session

import (
	"context"
	"errors"
	"time"

	"agent-arena/internal/opencode"
)

// Phase is the lifecycle position of a session.
type Phase string

const (
	PhaseCreated      Phase = "created"
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseSuccess      Phase = "success"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// EventKind classifies what a session reports to its owner.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventSuccess  EventKind = "success"
	EventFailure  EventKind = "failure"
)

// Event is a report from a session. Success and failure are terminal and
// delivered at most once, after the session's resources are released.
// A cancelled session reports no terminal event.
type Event struct {
	Kind    EventKind
	AgentID string
	State   *opencode.DetailedState
	Err     error
}

// EventHandler receives session events. It may be called from more than one
// goroutine, but never after the terminal event.
type EventHandler func(Event)

// Task is what a session is asked to do.
type Task struct {
	Ref    string
	Title  string
	Prompt string
}

// ChangeDetector decides whether a workspace holds any work.
type ChangeDetector interface {
	HasChanges(ctx context.Context, path string) (bool, error)
}

// Config tunes session supervision.
type Config struct {
	// Timeout is the hard wall-clock limit of a session.
	Timeout time.Duration
	// HealthInterval is the period of the liveness probe.
	HealthInterval time.Duration
	// AbortGrace bounds the graceful remote abort during teardown.
	AbortGrace time.Duration
	// ShutdownGrace is how long the server gets between SIGTERM and SIGKILL.
	ShutdownGrace time.Duration
	// Model and Agent select what the session runs with; empty means the
	// server's default.
	Model string
	Agent string
}

// DefaultConfig returns the supervision defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        2 * time.Hour,
		HealthInterval: 30 * time.Second,
		AbortGrace:     10 * time.Second,
		ShutdownGrace:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = d.AbortGrace
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

var (
	// ErrNoChanges fails a session whose workspace is clean after the prompt.
	ErrNoChanges = errors.New("no changes produced")

	// ErrSessionTimeout is the cause of a session hitting its hard limit.
	ErrSessionTimeout = errors.New("session timed out")

	// ErrCancelled is the cause of a session stopped by Cancel.
	ErrCancelled = errors.New("session cancelled")

	// ErrShutdown is the cause of sessions stopped by Shutdown.
	ErrShutdown = errors.New("runner shutting down")

	// ErrSessionExists rejects a second Start for a running agent.
	ErrSessionExists = errors.New("session already running for agent")

	// ErrSessionNotFound is returned for unknown or finished agents.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotReady is returned when the remote session does not exist yet.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrRunnerClosed rejects Start after Shutdown.
	ErrRunnerClosed = errors.New("runner is shut down")
)
