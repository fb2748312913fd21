// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-arena/internal/agent"
	"agent-arena/internal/infra"
	"agent-arena/internal/opencode"
)

// Dependencies are the collaborators a Runner drives.
type Dependencies struct {
	Ports   infra.PortManagerInterface
	Servers infra.ServerManagerInterface
	Killer  infra.PortKillerInterface
	Clients agent.ClientFactory
	Changes ChangeDetector
}

// Runner owns every live session of the process, keyed by agent id.
type Runner struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	root       context.Context
	rootCancel context.CancelCauseFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewRunner creates a runner. Missing Killer and Clients fall back to the
// real implementations.
func NewRunner(cfg Config, deps Dependencies, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Killer == nil {
		deps.Killer = infra.NewPortKiller()
	}
	if deps.Clients == nil {
		deps.Clients = agent.NewClientFactory()
	}

	root, cancel := context.WithCancelCause(context.Background())
	return &Runner{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		root:       root,
		rootCancel: cancel,
		sessions:   make(map[string]*session),
	}
}

// Start launches a session for agentID in workspace and returns at once.
// Progress and the terminal outcome are delivered through onEvent.
func (r *Runner) Start(agentID, workspace string, task Task, onEvent EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunnerClosed
	}
	if _, exists := r.sessions[agentID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, agentID)
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	timeoutCtx, cancelTimeout := context.WithTimeoutCause(r.root, r.cfg.Timeout, ErrSessionTimeout)
	ctx, cancel := context.WithCancelCause(timeoutCtx)

	s := &session{
		agentID:       agentID,
		workspace:     workspace,
		task:          task,
		onEvent:       onEvent,
		ctx:           ctx,
		cancel:        cancel,
		cancelTimeout: cancelTimeout,
		done:          make(chan struct{}),
		phase:         PhaseCreated,
		state:         opencode.NewDetailedState(r.now()),
		logger:        r.logger.With("agent_id", agentID),
	}
	s.state.Phase = string(PhaseCreated)
	r.sessions[agentID] = s

	go r.run(s)
	return nil
}

// Cancel stops the session of agentID without waiting for its teardown.
// Unknown or finished agents are ignored.
func (r *Runner) Cancel(agentID string) {
	if s := r.get(agentID); s != nil {
		s.cancel(ErrCancelled)
	}
}

// RespondToPermission answers a permission request of agentID's session.
func (r *Runner) RespondToPermission(ctx context.Context, agentID, permissionID string, decision agent.PermissionDecision) error {
	s := r.get(agentID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, agentID)
	}

	client, sessionID := s.remote()
	if client == nil || sessionID == "" {
		return fmt.Errorf("%w: %s", ErrSessionNotReady, agentID)
	}

	if err := client.RespondPermission(ctx, sessionID, permissionID, decision); err != nil {
		return err
	}

	if snap, changed := s.apply(opencode.PermissionReply{PermissionID: permissionID, Response: string(decision)}, r.now()); changed {
		r.emit(s, Event{Kind: EventProgress, AgentID: agentID, State: snap})
	}
	return nil
}

// DetailedState returns a copy of the live state of agentID's session.
func (r *Runner) DetailedState(agentID string) (*opencode.DetailedState, bool) {
	s := r.get(agentID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), true
}

// Wait blocks until agentID's session has released its resources or ctx
// ends. Unknown agents return at once.
func (r *Runner) Wait(ctx context.Context, agentID string) error {
	s := r.get(agentID)
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the agents with a live session.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown cancels every session and waits for their teardown. New sessions
// are rejected from here on.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.rootCancel(ErrShutdown)

	var g errgroup.Group
	for _, s := range live {
		s := s
		g.Go(func() error {
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session %s still tearing down: %w", s.agentID, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func (r *Runner) get(agentID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

func (r *Runner) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.agentID] == s {
		delete(r.sessions, s.agentID)
	}
}

// session is the state of one running attempt.
type session struct {
	agentID   string
	workspace string
	task      Task
	onEvent   EventHandler
	logger    *slog.Logger

	ctx           context.Context
	cancel        context.CancelCauseFunc
	cancelTimeout context.CancelFunc
	done          chan struct{}

	mu        sync.Mutex
	phase     Phase
	state     *opencode.DetailedState
	port      int
	server    *infra.ServerHandle
	client    agent.ClientInterface
	sessionID string
}

func (s *session) remote() (agent.ClientInterface, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.sessionID
}

// apply folds ev into the state and returns a snapshot when it changed.
func (s *session) apply(ev opencode.Event, now time.Time) (*opencode.DetailedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Apply(ev, now) {
		return nil, false
	}
	return s.state.Clone(), true
}

func (s *session) setPhase(p Phase, now time.Time) *opencode.DetailedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.state.Phase = string(p)
	s.state.UpdatedAt = now
	return s.state.Clone()
}

func (s *session) finish(p Phase, err error, now time.Time) *opencode.DetailedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.state.Phase = string(p)
	if err != nil {
		s.state.LastError = err.Error()
	}
	s.state.Finish(now)
	return s.state.Clone()
}
