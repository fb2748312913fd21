// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package battle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"agent-arena/internal/agent"
	"agent-arena/internal/opencode"
	"agent-arena/internal/prompts"
	"agent-arena/internal/session"
	"agent-arena/internal/telemetry"
	"agent-arena/internal/tracker"
)

const tracerName = "agent-arena/battle"

// Orchestrator owns every battle of the process. Battles are created,
// mutated and removed only through its methods.
type Orchestrator struct {
	cfg        Config
	runner     SessionRunner
	workspaces Provisioner
	tracker    tracker.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	battles map[string]*battleState
	order   []string
	closed  bool

	observers *observers
	loops     conc.WaitGroup
}

// NewOrchestrator wires an orchestrator to its collaborators.
func NewOrchestrator(cfg Config, runner SessionRunner, workspaces Provisioner, tasks tracker.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		runner:     runner,
		workspaces: workspaces,
		tracker:    tasks,
		logger:     logger,
		now:        time.Now,
		battles:    make(map[string]*battleState),
		observers:  newObservers(logger),
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// StartBattle provisions one workspace per attempt and starts racing them.
// It returns once every session has been launched.
func (o *Orchestrator) StartBattle(ctx context.Context, task tracker.Task, attempts int) (*Battle, error) {
	if o.tracker == nil || !o.tracker.Configured() {
		return nil, &ConfigurationError{Component: "tracker", Reason: "no task tracker is configured"}
	}
	if attempts < o.cfg.MinAttempts || attempts > o.cfg.MaxAttempts {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidAttempts, attempts, o.cfg.MinAttempts, o.cfg.MaxAttempts)
	}

	id := uuid.NewString()
	logger := o.logger.With("battle_id", id, "task", task.Ref())
	bs := newBattleState(Battle{
		ID:        id,
		Task:      task,
		Status:    StatusPending,
		Agents:    []Agent{},
		CreatedAt: o.now(),
	}, logger)

	if err := o.register(bs); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "battle.start")
	span.SetAttributes(telemetry.BattleAttrs(id, task.ID, attempts)...)
	defer span.End()

	copies, err := o.workspaces.CreateIsolatedCopies(ctx, id, task.Ref(), attempts)
	if err != nil {
		perr := &ProvisioningError{BattleID: id, Attempts: attempts, Err: err}
		telemetry.Fail(ctx, perr)
		logger.Error("provisioning failed", "attempts", attempts, "error", err)
		o.abandon(bs, perr.Error())
		return nil, perr
	}

	// The battle span covers the race itself and ends in finalize.
	_, bs.span = telemetry.StartSpan(bs.ctx, tracerName, "battle")
	bs.span.SetAttributes(telemetry.BattleAttrs(id, task.ID, attempts)...)

	// Arming under the registry lock orders it against Shutdown.
	o.mu.RLock()
	closed := o.closed
	if !closed {
		bs.arm(copies, o.now())
		o.loops.Go(func() { o.loop(bs) })
	}
	o.mu.RUnlock()
	if closed {
		bs.span.End()
		o.abandon(bs, ErrOrchestratorClosed.Error())
		return nil, ErrOrchestratorClosed
	}

	logger.Info("battle started", "attempts", attempts)
	o.observers.notify(Notification{Kind: NotifyBattleStarted, BattleID: id, Battle: bs.snapshot(), Time: o.now()})

	o.launch(bs)
	return bs.snapshot(), nil
}

// register adds a pending battle unless the ceiling is reached. The check
// and the insert are one critical section.
func (o *Orchestrator) register(bs *battleState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOrchestratorClosed
	}
	active := 0
	for _, other := range o.battles {
		if !other.status().Terminal() {
			active++
		}
	}
	if active >= o.cfg.MaxConcurrentBattles {
		return &CapacityError{Active: active, Limit: o.cfg.MaxConcurrentBattles}
	}

	o.battles[bs.id] = bs
	o.order = append(o.order, bs.id)
	return nil
}

// abandon ends a battle that never started fighting.
func (o *Orchestrator) abandon(bs *battleState, reason string) {
	if !bs.resolve(StatusPending, StatusDefeat, reason, o.now()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	o.workspaces.CleanupBattle(ctx, bs.id)
	cancel()
	close(bs.closed)
	o.observers.notify(Notification{Kind: NotifyBattleResolved, BattleID: bs.id, Battle: bs.snapshot(), Time: o.now()})
}

// launch starts every agent's session concurrently.
func (o *Orchestrator) launch(bs *battleState) {
	var g errgroup.Group
	for _, agentID := range bs.agentIDs() {
		agentID := agentID
		g.Go(func() error {
			o.startAgent(bs, agentID)
			return nil
		})
	}
	_ = g.Wait()
}

// startAgent hands one agent to the runner. The battle lock is held across
// Start so that a concurrent cancel either sees the session or prevents it.
func (o *Orchestrator) startAgent(bs *battleState, agentID string) {
	bs.mu.Lock()
	i := bs.agent(agentID)
	if bs.b.Status != StatusFighting {
		bs.setAgent(i, AgentCancelled, "", o.now())
		bs.mu.Unlock()
		return
	}

	a := &bs.b.Agents[i]
	a.Status = AgentWorking
	a.StartedAt = o.now()
	task := bs.b.Task
	prompt := prompts.NewTaskBuilder(task.Ref(), task.Title).
		WithDescription(task.Body).
		WithLabels(task.Labels...).
		WithBranch(a.Branch).
		WithAttempt(a.Index, len(bs.b.Agents)).
		Build()

	err := o.runner.Start(agentID, a.Workspace, session.Task{Ref: task.Ref(), Title: task.Title, Prompt: prompt}, func(ev session.Event) {
		o.deliver(bs, ev)
	})
	snap := a.clone()
	bs.mu.Unlock()

	if err != nil {
		bs.logger.Warn("failed to start session", "agent_id", agentID, "error", err)
		o.deliver(bs, session.Event{Kind: session.EventFailure, AgentID: agentID, Err: err})
		return
	}
	o.observers.notify(Notification{Kind: NotifyAgentStatus, BattleID: bs.id, Agent: &snap, Time: o.now()})
}

// deliver routes ev. Progress is applied on the caller's goroutine so it
// keeps flowing while the loop is busy publishing; outcomes are queued for
// the loop. Events for a battle that has already ended are dropped.
func (o *Orchestrator) deliver(bs *battleState, ev session.Event) {
	select {
	case <-bs.done:
		return
	default:
	}

	if ev.Kind == session.EventProgress {
		o.onProgress(bs, ev)
		return
	}
	select {
	case bs.inbox <- ev:
	case <-bs.done:
	}
}

// loop is the only place that reacts to session outcomes of a battle, so
// they are handled one at a time. A publish blocks the loop for up to
// PublishTimeout; outcomes arriving meanwhile wait in the inbox, which
// holds more than one outcome per agent.
func (o *Orchestrator) loop(bs *battleState) {
	for {
		select {
		case <-bs.done:
			return
		default:
		}

		select {
		case <-bs.done:
			return
		case ev := <-bs.inbox:
			switch ev.Kind {
			case session.EventSuccess:
				o.onSuccess(bs, ev)
			case session.EventFailure:
				o.onFailure(bs, ev)
			}
		}
	}
}

func (o *Orchestrator) onProgress(bs *battleState, ev session.Event) {
	bs.mu.Lock()
	i := bs.agent(ev.AgentID)
	if i < 0 || ev.State == nil || bs.b.Agents[i].Status.Terminal() {
		bs.mu.Unlock()
		return
	}
	bs.merge(i, ev.State)
	snap := bs.b.Agents[i].clone()
	bs.mu.Unlock()

	o.observers.notify(Notification{Kind: NotifyAgentProgress, BattleID: bs.id, Agent: &snap, Time: o.now()})
}

func (o *Orchestrator) onFailure(bs *battleState, ev session.Event) {
	serr := &SessionError{AgentID: ev.AgentID, Err: ev.Err}
	if ev.Err == nil {
		serr.Err = errors.New("session failed")
	}

	bs.mu.Lock()
	i := bs.agent(ev.AgentID)
	if i < 0 {
		bs.mu.Unlock()
		return
	}
	bs.merge(i, ev.State)
	changed := bs.setAgent(i, AgentFailed, serr.Error(), o.now())
	snap := bs.b.Agents[i].clone()
	bs.mu.Unlock()

	if !changed {
		return
	}
	bs.logger.Info("agent failed", "agent_id", ev.AgentID, "error", serr.Err)
	o.observers.notify(Notification{Kind: NotifyAgentStatus, BattleID: bs.id, Agent: &snap, Time: o.now()})
	o.checkDefeat(bs)
}

func (o *Orchestrator) onSuccess(bs *battleState, ev session.Event) {
	bs.mu.Lock()
	i := bs.agent(ev.AgentID)
	if i < 0 {
		bs.mu.Unlock()
		return
	}
	bs.merge(i, ev.State)

	if bs.b.Status != StatusFighting {
		changed := bs.setAgent(i, AgentCancelled, "", o.now())
		snap := bs.b.Agents[i].clone()
		bs.mu.Unlock()
		if changed {
			o.observers.notify(Notification{Kind: NotifyAgentStatus, BattleID: bs.id, Agent: &snap, Time: o.now()})
		}
		return
	}
	if !bs.setAgent(i, AgentSuccess, "", o.now()) {
		bs.mu.Unlock()
		return
	}
	a := bs.b.Agents[i]
	task := bs.b.Task
	bs.mu.Unlock()

	bs.logger.Info("agent succeeded, publishing", "agent_id", a.ID, "workspace", a.Workspace)
	snap := a.clone()
	o.observers.notify(Notification{Kind: NotifyAgentStatus, BattleID: bs.id, Agent: &snap, Time: o.now()})

	branch, url, err := o.publish(bs, a, task)
	if err != nil {
		bs.logger.Warn("publishing failed", "agent_id", a.ID, "error", err)
		bs.mu.Lock()
		changed := false
		if bs.b.Agents[i].Status == AgentSuccess {
			bs.b.Agents[i].Status = AgentFailed
			bs.b.Agents[i].Error = err.Error()
			bs.b.Agents[i].CompletedAt = o.now()
			changed = true
		}
		snap := bs.b.Agents[i].clone()
		bs.mu.Unlock()
		if changed {
			o.observers.notify(Notification{Kind: NotifyAgentStatus, BattleID: bs.id, Agent: &snap, Time: o.now()})
		}
		o.checkDefeat(bs)
		return
	}

	if !bs.win(a.ID, url, branch, o.now()) {
		// Cancelled while publishing: the cancel stands and the published
		// change is left for a human to close.
		bs.logger.Warn("battle ended while publishing, result orphaned", "agent_id", a.ID, "url", url, "branch", branch)
		return
	}

	bs.logger.Info("battle won", "agent_id", a.ID, "url", url, "branch", branch)
	o.finalize(bs)
}

// publish commits and pushes the winner's workspace and proposes it to
// the tracker.
func (o *Orchestrator) publish(bs *battleState, a Agent, task tracker.Task) (branch, url string, err error) {
	ctx, cancel := context.WithTimeout(bs.ctx, o.cfg.PublishTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "battle.publish")
	span.SetAttributes(telemetry.AttrAgentID.String(a.ID))
	defer span.End()

	branch, err = o.workspaces.CommitAndPush(ctx, a.Workspace, task.Ref(), task.Title)
	if err != nil {
		perr := &PublishError{AgentID: a.ID, Stage: "commit", Branch: a.Branch, Err: err}
		telemetry.Fail(ctx, perr)
		return "", "", perr
	}

	url, err = o.tracker.PublishResult(ctx, branch, task.ID, task.Title)
	if err != nil {
		perr := &PublishError{AgentID: a.ID, Stage: "publish", Branch: branch, Err: err}
		telemetry.Fail(ctx, perr)
		return "", "", perr
	}
	return branch, url, nil
}

func (o *Orchestrator) checkDefeat(bs *battleState) {
	if !bs.exhausted(o.now()) {
		return
	}
	bs.logger.Info("battle lost, every attempt failed")
	o.finalize(bs)
}

// finalize releases a resolved battle's sessions and workspaces. Only the
// caller that won the terminal transition runs it.
func (o *Orchestrator) finalize(bs *battleState) {
	ids := bs.agentIDs()
	for _, id := range ids {
		o.runner.Cancel(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	for _, id := range ids {
		if err := o.runner.Wait(ctx, id); err != nil {
			bs.logger.Warn("session did not tear down in time", "agent_id", id, "error", err)
		}
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	o.workspaces.CleanupBattle(ctx, bs.id)
	cancel()

	snap := bs.snapshot()
	if bs.span != nil {
		bs.span.SetAttributes(telemetry.AttrOutcome.String(string(snap.Status)))
		if snap.WinnerID != "" {
			bs.span.SetAttributes(telemetry.AttrWinner.String(snap.WinnerID))
		}
		if snap.Status == StatusDefeat {
			bs.span.SetStatus(codes.Error, snap.Error)
		}
		bs.span.End()
	}
	close(bs.closed)

	o.observers.notify(Notification{Kind: NotifyBattleResolved, BattleID: bs.id, Battle: snap, Time: o.now()})
}

// CancelBattle stops a fighting battle: it becomes defeat, every unfinished
// agent is cancelled, and its workspaces are released before returning.
// Battles in any other state are left alone.
func (o *Orchestrator) CancelBattle(id string) (*Battle, error) {
	bs := o.get(id)
	if bs == nil {
		return nil, fmt.Errorf("%w: %s", ErrBattleNotFound, id)
	}
	if bs.resolve(StatusFighting, StatusDefeat, "cancelled", o.now()) {
		bs.logger.Info("battle cancelled")
		o.finalize(bs)
	}
	return bs.snapshot(), nil
}

// GetBattle returns a snapshot of the battle.
func (o *Orchestrator) GetBattle(id string) (*Battle, error) {
	bs := o.get(id)
	if bs == nil {
		return nil, fmt.Errorf("%w: %s", ErrBattleNotFound, id)
	}
	return bs.snapshot(), nil
}

// ListBattles returns snapshots of every battle in creation order.
func (o *Orchestrator) ListBattles() []*Battle {
	o.mu.RLock()
	states := make([]*battleState, 0, len(o.order))
	for _, id := range o.order {
		states = append(states, o.battles[id])
	}
	o.mu.RUnlock()

	out := make([]*Battle, len(states))
	for i, bs := range states {
		out[i] = bs.snapshot()
	}
	return out
}

// RemoveBattle forgets a finished battle.
func (o *Orchestrator) RemoveBattle(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	bs, ok := o.battles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBattleNotFound, id)
	}
	select {
	case <-bs.closed:
	default:
		return fmt.Errorf("%w: %s is %s", ErrBattleActive, id, bs.status())
	}

	delete(o.battles, id)
	o.order = slices.DeleteFunc(o.order, func(s string) bool { return s == id })
	return nil
}

// AgentState returns the live progress of an agent, or the last state the
// battle saw once its session is gone.
func (o *Orchestrator) AgentState(battleID, agentID string) (*opencode.DetailedState, error) {
	bs := o.get(battleID)
	if bs == nil {
		return nil, fmt.Errorf("%w: %s", ErrBattleNotFound, battleID)
	}

	bs.mu.Lock()
	i := bs.agent(agentID)
	if i < 0 {
		bs.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	last := bs.b.Agents[i].State.Clone()
	started := bs.b.Agents[i].StartedAt
	bs.mu.Unlock()

	if st, ok := o.runner.DetailedState(agentID); ok {
		return st, nil
	}
	if last == nil {
		last = opencode.NewDetailedState(started)
	}
	return last, nil
}

// RespondToPermission answers a pending permission request of an agent.
func (o *Orchestrator) RespondToPermission(ctx context.Context, battleID, agentID, permissionID string, decision agent.PermissionDecision) error {
	bs := o.get(battleID)
	if bs == nil {
		return fmt.Errorf("%w: %s", ErrBattleNotFound, battleID)
	}

	bs.mu.Lock()
	i := bs.agent(agentID)
	bs.mu.Unlock()
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	if err := o.runner.RespondToPermission(ctx, agentID, permissionID, decision); err != nil {
		return fmt.Errorf("responding to permission %s: %w", permissionID, err)
	}
	bs.logger.Info("permission answered", "agent_id", agentID, "permission_id", permissionID, "decision", decision)
	return nil
}

// Subscribe registers a notification channel under id.
func (o *Orchestrator) Subscribe(id string) <-chan Notification {
	return o.observers.subscribe(id)
}

// Unsubscribe closes and removes the channel registered under id.
func (o *Orchestrator) Unsubscribe(id string) {
	o.observers.unsubscribe(id)
}

// AddListener registers a callback for every notification. A panicking
// listener is recovered and logged.
func (o *Orchestrator) AddListener(fn func(Notification)) {
	o.observers.listen(fn)
}

// Shutdown cancels every fighting battle and waits until their teardown and
// event loops are done or ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	states := make([]*battleState, 0, len(o.battles))
	for _, bs := range o.battles {
		states = append(states, bs)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, bs := range states {
		bs := bs
		g.Go(func() error {
			if bs.resolve(StatusFighting, StatusDefeat, "shutting down", o.now()) {
				o.finalize(bs)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		o.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.observers.close()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("battles still tearing down: %w", ctx.Err())
	}
}

func (o *Orchestrator) get(id string) *battleState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.battles[id]
}
