// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package battle

import (
	"errors"
	"fmt"
)

var (
	// ErrBattleNotFound is returned for unknown battle ids.
	ErrBattleNotFound = errors.New("battle not found")

	// ErrBattleActive rejects removal of a battle that is still running.
	ErrBattleActive = errors.New("battle is still active")

	// ErrAgentNotFound is returned for agent ids unknown to the battle.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidAttempts rejects an attempt count outside the configured range.
	ErrInvalidAttempts = errors.New("invalid number of attempts")

	// ErrOrchestratorClosed rejects new battles after Shutdown.
	ErrOrchestratorClosed = errors.New("orchestrator is shut down")
)

// ConfigurationError means a collaborator is not set up well enough to race.
type ConfigurationError struct {
	// Component that is missing or unconfigured (e.g., "tracker")
	Component string
	Reason    string
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Component, e.Reason)
}

// CapacityError means the ceiling of concurrent battles is reached.
type CapacityError struct {
	Active int
	Limit  int
}

// Error implements the error interface
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d of %d battles active", e.Active, e.Limit)
}

// ProvisioningError means the workspaces of a battle could not be created.
type ProvisioningError struct {
	BattleID string
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("provisioning %d workspaces for battle %s failed", e.Attempts, e.BattleID)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// SessionError is the failure of one agent's worker session.
type SessionError struct {
	AgentID string
	Err     error
}

// Error implements the error interface
func (e *SessionError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

// Unwrap returns the underlying error
func (e *SessionError) Unwrap() error {
	return e.Err
}

// PublishError means a successful agent's work could not be published.
type PublishError struct {
	AgentID string
	// Stage that failed: "commit" or "publish"
	Stage  string
	Branch string
	Err    error
}

// Error implements the error interface
func (e *PublishError) Error() string {
	msg := fmt.Sprintf("publish error [%s]: agent=%s", e.Stage, e.AgentID)
	if e.Branch != "" {
		msg += fmt.Sprintf(" branch=%s", e.Branch)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *PublishError) Unwrap() error {
	return e.Err
}
