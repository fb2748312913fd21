// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package battle races several isolated attempts at one task. The first
// attempt whose result is published wins; every other attempt is cancelled
// and its resources are released.
package battle

import (
	"context"
	"time"

	"agent-arena/internal/agent"
	"agent-arena/internal/opencode"
	"agent-arena/internal/session"
	"agent-arena/internal/tracker"
	"agent-arena/internal/workspace"
)

// Status is the lifecycle state of a battle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFighting Status = "fighting"
	StatusVictory  Status = "victory"
	StatusDefeat   Status = "defeat"
)

// Terminal reports whether the battle is over.
func (s Status) Terminal() bool {
	return s == StatusVictory || s == StatusDefeat
}

// AgentStatus is the lifecycle state of one attempt.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentWorking   AgentStatus = "working"
	AgentSuccess   AgentStatus = "success"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// Terminal reports whether the attempt is finished.
func (s AgentStatus) Terminal() bool {
	return s == AgentSuccess || s == AgentFailed || s == AgentCancelled
}

// Agent is one attempt within a battle.
type Agent struct {
	ID          string                  `json:"id"`
	Index       int                     `json:"index"`
	Status      AgentStatus             `json:"status"`
	Workspace   string                  `json:"workspace"`
	Branch      string                  `json:"branch"`
	Error       string                  `json:"error,omitempty"`
	State       *opencode.DetailedState `json:"state,omitempty"`
	StartedAt   time.Time               `json:"started_at,omitzero"`
	CompletedAt time.Time               `json:"completed_at,omitzero"`
}

func (a Agent) clone() Agent {
	a.State = a.State.Clone()
	return a
}

// Battle is one race among several attempts at a single task.
type Battle struct {
	ID           string       `json:"id"`
	Task         tracker.Task `json:"task"`
	Status       Status       `json:"status"`
	Agents       []Agent      `json:"agents"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	CompletedAt  time.Time    `json:"completed_at,omitzero"`
	WinnerID     string       `json:"winner_id,omitempty"`
	ResultURL    string       `json:"result_url,omitempty"`
	WinnerBranch string       `json:"winner_branch,omitempty"`
	Error        string       `json:"error,omitempty"`
}

func (b *Battle) clone() *Battle {
	c := *b
	c.Agents = make([]Agent, len(b.Agents))
	for i, a := range b.Agents {
		c.Agents[i] = a.clone()
	}
	c.Task.Labels = append([]string(nil), b.Task.Labels...)
	return &c
}

// NotificationKind classifies orchestrator notifications.
type NotificationKind string

const (
	NotifyBattleStarted  NotificationKind = "battle.started"
	NotifyBattleResolved NotificationKind = "battle.resolved"
	NotifyAgentStatus    NotificationKind = "agent.status"
	NotifyAgentProgress  NotificationKind = "agent.progress"
)

// Notification is what observers receive. Battle is set for battle kinds,
// Agent for agent kinds.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	BattleID string           `json:"battle_id"`
	Battle   *Battle          `json:"battle,omitempty"`
	Agent    *Agent           `json:"agent,omitempty"`
	Time     time.Time        `json:"time"`
}

// SessionRunner runs the worker session of one agent.
type SessionRunner interface {
	Start(agentID, workspace string, task session.Task, onEvent session.EventHandler) error
	Cancel(agentID string)
	RespondToPermission(ctx context.Context, agentID, permissionID string, decision agent.PermissionDecision) error
	DetailedState(agentID string) (*opencode.DetailedState, bool)
	Wait(ctx context.Context, agentID string) error
}

// Provisioner hands out and reclaims isolated workspaces.
type Provisioner interface {
	CreateIsolatedCopies(ctx context.Context, battleID, taskRef string, count int) ([]workspace.Copy, error)
	CommitAndPush(ctx context.Context, path, taskRef, title string) (string, error)
	CleanupBattle(ctx context.Context, battleID string)
}

// Config bounds what the orchestrator accepts.
type Config struct {
	// MaxConcurrentBattles caps the battles that are not yet terminal.
	MaxConcurrentBattles int
	MinAttempts          int
	MaxAttempts          int
	// PublishTimeout bounds commit, push and result publication of a winner.
	PublishTimeout time.Duration
	// TeardownTimeout bounds waiting for cancelled sessions to release
	// their resources.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBattles: 3,
		MinAttempts:          1,
		MaxAttempts:          20,
		PublishTimeout:       10 * time.Minute,
		TeardownTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentBattles <= 0 {
		c.MaxConcurrentBattles = d.MaxConcurrentBattles
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = d.MinAttempts
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxAttempts < c.MinAttempts {
		c.MaxAttempts = c.MinAttempts
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	return c
}
