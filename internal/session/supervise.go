// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/codes"

	"agent-arena/internal/agent"
	"agent-arena/internal/opencode"
	"agent-arena/internal/telemetry"
)

const tracerName = "agent-arena/session"

// run drives one session from bootstrap to teardown and reports the outcome.
func (r *Runner) run(s *session) {
	defer close(s.done)
	defer r.remove(s)
	defer s.cancelTimeout()

	ctx, span := telemetry.StartSpan(s.ctx, tracerName, "session.run")
	span.SetAttributes(telemetry.SessionAttrs(s.agentID, r.cfg.Model)...)
	defer span.End()

	started := r.now()
	err := r.execute(ctx, s)

	// The stream consumer is joined inside execute; nothing touches the
	// session's resources past this point except teardown.
	r.teardown(s)

	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, ErrCancelled) || errors.Is(cause, ErrShutdown):
		s.finish(PhaseCancelled, nil, r.now())
		s.logger.Info("session cancelled", "cause", cause)
		telemetry.SetSpanStatus(ctx, codes.Unset, "cancelled")
		return
	case errors.Is(cause, ErrSessionTimeout):
		err = fmt.Errorf("%w after %v", ErrSessionTimeout, r.cfg.Timeout)
	}

	if err != nil {
		snap := s.finish(PhaseFailed, err, r.now())
		s.logger.Warn("session failed", "error", err, "duration", r.now().Sub(started))
		telemetry.Fail(ctx, err)
		r.emit(s, Event{Kind: EventFailure, AgentID: s.agentID, State: snap, Err: err})
		return
	}

	snap := s.finish(PhaseSuccess, nil, r.now())
	s.logger.Info("session succeeded", "duration", r.now().Sub(started), "files", len(snap.ModifiedFiles))
	telemetry.SetSpanStatus(ctx, codes.Ok, "")
	r.emit(s, Event{Kind: EventSuccess, AgentID: s.agentID, State: snap})
}

// execute bootstraps the session, sends the prompt, and judges the result.
// An abort is observed after bootstrap, before the prompt, and while the
// prompt is running.
func (r *Runner) execute(ctx context.Context, s *session) error {
	r.emit(s, Event{Kind: EventProgress, AgentID: s.agentID, State: s.setPhase(PhaseInitializing, r.now())})

	client, sessionID, err := r.bootstrap(ctx, s)
	if err != nil {
		return err
	}
	if err := aborted(ctx); err != nil {
		return err
	}

	superviseCtx, stopSupervision := context.WithCancel(ctx)
	defer stopSupervision()
	go r.healthLoop(superviseCtx, s)

	stream, err := client.Subscribe(superviseCtx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		r.consume(s, sessionID, stream)
	}()
	stopConsumer := func() {
		stopSupervision()
		_ = stream.Close()
		consumer.Wait()
	}

	if err := aborted(ctx); err != nil {
		stopConsumer()
		return err
	}

	r.emit(s, Event{Kind: EventProgress, AgentID: s.agentID, State: s.setPhase(PhaseActive, r.now())})
	telemetry.AddEvent(ctx, "session.prompt", telemetry.AttrSessionID.String(sessionID))

	reply, promptErr := client.Prompt(ctx, sessionID, s.task.Prompt, &agent.PromptOptions{
		Model: r.cfg.Model,
		Agent: r.cfg.Agent,
	})
	stopConsumer()

	if err := aborted(ctx); err != nil {
		return err
	}
	if promptErr != nil {
		return fmt.Errorf("prompt failed: %w", promptErr)
	}
	if reply != nil {
		s.logger.Debug("prompt answered", "message_id", reply.MessageID, "parts", len(reply.Parts))
	}

	// The session's own verdict is not trusted: only a dirty workspace counts.
	changed, err := r.deps.Changes.HasChanges(ctx, s.workspace)
	if err != nil {
		return fmt.Errorf("failed to inspect workspace: %w", err)
	}
	if !changed {
		// The reply usually says why nothing was touched.
		if text := replyText(reply); text != "" {
			return fmt.Errorf("%w: %s", ErrNoChanges, text)
		}
		return ErrNoChanges
	}
	return nil
}

const maxReplyText = 200

func replyText(reply *agent.PromptResult) string {
	if reply == nil {
		return ""
	}
	text := strings.Join(strings.Fields(reply.GetText()), " ")
	if r := []rune(text); len(r) > maxReplyText {
		text = string(r[:maxReplyText]) + "..."
	}
	return text
}

// bootstrap allocates a port, boots a server in the workspace, and opens a
// remote session. Resources are recorded on s as soon as they exist so that
// teardown can release them whatever happens next.
func (r *Runner) bootstrap(ctx context.Context, s *session) (agent.ClientInterface, string, error) {
	port, err := r.deps.Ports.Allocate()
	if err != nil {
		return nil, "", fmt.Errorf("failed to allocate port: %w", err)
	}
	s.mu.Lock()
	s.port = port
	s.state.Port = port
	s.mu.Unlock()
	s.logger = s.logger.With("port", port)

	handle, err := r.deps.Servers.BootServer(ctx, s.workspace, port)
	if err != nil {
		return nil, "", fmt.Errorf("failed to boot server: %w", err)
	}
	s.mu.Lock()
	s.server = handle
	s.mu.Unlock()

	client := r.deps.Clients(handle.BaseURL, port)
	title := s.task.Title
	if s.task.Ref != "" {
		title = fmt.Sprintf("#%s %s", s.task.Ref, s.task.Title)
	}
	sessionID, err := client.CreateSession(ctx, title)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.client = client
	s.sessionID = sessionID
	s.mu.Unlock()

	s.logger.Debug("session bootstrapped", "session_id", sessionID, "pid", handle.PID)
	return client, sessionID, nil
}

// consume folds the session's event feed into its state until the feed ends.
func (r *Runner) consume(s *session, sessionID string, stream agent.EventStream) {
	for stream.Next() {
		ev := opencode.Decode(stream.Current())
		if !opencode.BelongsTo(ev, sessionID) {
			continue
		}
		if snap, changed := s.apply(ev, r.now()); changed {
			r.emit(s, Event{Kind: EventProgress, AgentID: s.agentID, State: snap})
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("event stream ended", "error", err)
	}
}

// healthLoop probes the server periodically. A failed probe is only logged.
func (r *Runner) healthLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			handle := s.server
			s.mu.Unlock()
			if handle == nil {
				continue
			}
			if !r.deps.Servers.IsHealthy(ctx, handle) && ctx.Err() == nil {
				s.logger.Warn("opencode server failed health check")
			}
		}
	}
}

// emit delivers ev to the session's handler. A panicking handler is logged
// and otherwise ignored.
func (r *Runner) emit(s *session, ev Event) {
	var pc panics.Catcher
	pc.Try(func() { s.onEvent(ev) })
	if rec := pc.Recovered(); rec != nil {
		s.logger.Error("session event handler panicked", "kind", ev.Kind, "error", rec.AsError())
	}
}

func aborted(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}
