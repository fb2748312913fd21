// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
	"github.com/sst/opencode-sdk-go/packages/ssestream"
)

// Client wraps the OpenCode SDK client bound to one local server instance.
type Client struct {
	sdk     *opencode.Client
	baseURL string
	port    int
}

// NewClient creates a new OpenCode SDK client configured for a specific server instance
func NewClient(baseURL string, port int) *Client {
	// No API key needed for local connections
	sdk := opencode.NewClient(
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)

	return &Client{
		sdk:     sdk,
		baseURL: baseURL,
		port:    port,
	}
}

// NewClientFactory returns a ClientFactory producing SDK-backed clients.
func NewClientFactory() ClientFactory {
	return func(baseURL string, port int) ClientInterface {
		return NewClient(baseURL, port)
	}
}

// GetBaseURL returns the base URL this client is connected to
func (c *Client) GetBaseURL() string {
	return c.baseURL
}

// GetPort returns the port this client is connected to
func (c *Client) GetPort() int {
	return c.port
}

// CreateSession opens a new session on the server
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	session, err := c.sdk.Session.New(ctx, opencode.SessionNewParams{
		Title: opencode.F(title),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return session.ID, nil
}

// Prompt sends a prompt as a message and waits for the assistant's reply
func (c *Client) Prompt(ctx context.Context, sessionID, prompt string, opts *PromptOptions) (*PromptResult, error) {
	if opts == nil {
		opts = &PromptOptions{}
	}

	parts := []opencode.SessionPromptParamsPartUnion{
		opencode.TextPartInputParam{
			Type: opencode.F(opencode.TextPartInputTypeText),
			Text: opencode.F(prompt),
		},
	}

	promptParams := opencode.SessionPromptParams{
		Parts: opencode.F(parts),
	}

	if opts.Model != "" {
		provider, model := SplitModel(opts.Model)
		promptParams.Model = opencode.F(opencode.SessionPromptParamsModel{
			ProviderID: opencode.F(provider),
			ModelID:    opencode.F(model),
		})
	}

	if opts.Agent != "" {
		promptParams.Agent = opencode.F(opts.Agent)
	}

	message, err := c.sdk.Session.Prompt(ctx, sessionID, promptParams)
	if err != nil {
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	result := &PromptResult{
		SessionID: sessionID,
		MessageID: message.Info.ID,
		Parts:     make([]ResultPart, 0, len(message.Parts)),
	}

	for _, part := range message.Parts {
		resultPart := ResultPart{
			Type: string(part.Type),
		}

		switch part.Type {
		case opencode.PartTypeText:
			resultPart.Text = part.Text
		case opencode.PartTypeTool:
			resultPart.ToolName = part.Tool
		}

		result.Parts = append(result.Parts, resultPart)
	}

	return result, nil
}

// Abort aborts a running session
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	_, err := c.sdk.Session.Abort(ctx, sessionID, opencode.SessionAbortParams{})
	if err != nil {
		return fmt.Errorf("failed to abort session: %w", err)
	}
	return nil
}

// RespondPermission answers a permission request raised by the session
func (c *Client) RespondPermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	path := fmt.Sprintf("session/%s/permissions/%s", sessionID, permissionID)
	body := map[string]string{"response": string(decision)}

	var accepted bool
	if err := c.sdk.Post(ctx, path, body, &accepted); err != nil {
		return fmt.Errorf("failed to respond to permission %s: %w", permissionID, err)
	}
	return nil
}

// Subscribe opens the server-sent event feed. The feed ends when ctx is
// cancelled or the server goes away.
func (c *Client) Subscribe(ctx context.Context) (EventStream, error) {
	stream := c.sdk.Event.ListStreaming(ctx, opencode.EventListParams{})
	if stream == nil {
		return nil, errors.New("failed to open event stream")
	}
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	return &sdkEventStream{stream: stream}, nil
}

type sdkEventStream struct {
	stream *ssestream.Stream[opencode.EventListResponse]
}

func (s *sdkEventStream) Next() bool { return s.stream.Next() }

func (s *sdkEventStream) Current() []byte {
	evt := s.stream.Current()
	return []byte(evt.JSON.RawJSON())
}

func (s *sdkEventStream) Err() error { return s.stream.Err() }

func (s *sdkEventStream) Close() error { return s.stream.Close() }

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)
