// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package agent

import (
	"context"
	"fmt"
	"strings"
)

// PromptOptions configures how a prompt is executed
type PromptOptions struct {
	// Model to use for this prompt (e.g., "anthropic/claude-sonnet-4-5")
	Model string

	// Agent to use (e.g., "build", "plan", "general")
	Agent string
}

// PromptResult contains the result of a prompt execution
type PromptResult struct {
	SessionID string
	MessageID string
	Parts     []ResultPart
}

// ResultPart represents a part of the response
type ResultPart struct {
	Type     string // "text", "tool", etc.
	Text     string
	ToolName string
}

// GetText returns all text parts concatenated
func (r *PromptResult) GetText() string {
	var b strings.Builder
	for _, part := range r.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// PermissionDecision is the reply to a session's permission request.
type PermissionDecision string

const (
	DecisionOnce   PermissionDecision = "once"
	DecisionAlways PermissionDecision = "always"
	DecisionReject PermissionDecision = "reject"
)

// ParsePermissionDecision validates a decision string.
func ParsePermissionDecision(s string) (PermissionDecision, error) {
	switch d := PermissionDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionOnce, DecisionAlways, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("invalid permission decision %q: must be one of once, always, reject", s)
	}
}

// SplitModel splits "provider/model" into its parts. A bare model name has
// no provider.
func SplitModel(model string) (provider, id string) {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}

// EventStream is a server-sent event feed. Current returns the raw JSON of
// the event most recently read by Next.
type EventStream interface {
	Next() bool
	Current() []byte
	Err() error
	Close() error
}

// ClientInterface defines the interface for OpenCode SDK client operations
type ClientInterface interface {
	// CreateSession opens a new session and returns its id
	CreateSession(ctx context.Context, title string) (string, error)

	// Prompt sends a prompt and blocks until the session finishes answering
	Prompt(ctx context.Context, sessionID, prompt string, opts *PromptOptions) (*PromptResult, error)

	// Abort stops a running session
	Abort(ctx context.Context, sessionID string) error

	// RespondPermission answers a pending permission request
	RespondPermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error

	// Subscribe opens the server's event feed
	Subscribe(ctx context.Context) (EventStream, error)

	// GetBaseURL returns the base URL this client is connected to
	GetBaseURL() string

	// GetPort returns the port this client is connected to
	GetPort() int
}

// ClientFactory builds a client for the server listening at baseURL.
type ClientFactory func(baseURL string, port int) ClientInterface
