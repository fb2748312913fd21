// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package battle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agent-arena/internal/opencode"
	"agent-arena/internal/session"
	"agent-arena/internal/workspace"
)

const inboxSize = 256

// battleState owns one battle. b is only read or written under mu; the
// terminal transitions are compare-and-swap on b.Status.
type battleState struct {
	id     string
	logger *slog.Logger

	mu     sync.Mutex
	b      Battle
	byID   map[string]int
	inbox  chan session.Event
	done   chan struct{} // closed on the terminal transition
	closed chan struct{} // closed once teardown has finished

	ctx    context.Context // lives until the terminal transition
	cancel context.CancelFunc
	span   trace.Span
}

func newBattleState(b Battle, logger *slog.Logger) *battleState {
	ctx, cancel := context.WithCancel(context.Background())
	return &battleState{
		id:     b.ID,
		logger: logger,
		b:      b,
		byID:   make(map[string]int),
		inbox:  make(chan session.Event, inboxSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (bs *battleState) status() Status {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.b.Status
}

func (bs *battleState) snapshot() *Battle {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.b.clone()
}

// arm creates one pending agent per copy and moves the battle to fighting.
func (bs *battleState) arm(copies []workspace.Copy, now time.Time) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.b.Agents = make([]Agent, len(copies))
	for i, c := range copies {
		id := fmt.Sprintf("%s-%d", bs.id, i)
		bs.b.Agents[i] = Agent{
			ID:        id,
			Index:     i,
			Status:    AgentPending,
			Workspace: c.Path,
			Branch:    c.Branch,
		}
		bs.byID[id] = i
	}
	bs.b.Status = StatusFighting
	bs.b.StartedAt = now
}

// agent returns the position of agentID, or -1. Callers hold mu.
func (bs *battleState) agent(agentID string) int {
	if i, ok := bs.byID[agentID]; ok {
		return i
	}
	return -1
}

func (bs *battleState) agentIDs() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	ids := make([]string, len(bs.b.Agents))
	for i, a := range bs.b.Agents {
		ids[i] = a.ID
	}
	return ids
}

// merge stores st as the agent's latest state. Callers hold mu.
func (bs *battleState) merge(i int, st *opencode.DetailedState) {
	if st != nil {
		bs.b.Agents[i].State = st
	}
}

// setAgent moves agent i to status unless it is already terminal.
// Callers hold mu.
func (bs *battleState) setAgent(i int, status AgentStatus, errText string, now time.Time) bool {
	a := &bs.b.Agents[i]
	if a.Status.Terminal() {
		return false
	}
	a.Status = status
	if errText != "" {
		a.Error = errText
	}
	if status.Terminal() {
		a.CompletedAt = now
	}
	return true
}

// resolve performs the terminal transition from -> to. Only the caller that
// wins the swap gets true; it then owns the battle's teardown. Every agent
// that is not the winner and not already failed ends cancelled.
func (bs *battleState) resolve(from, to Status, errText string, now time.Time) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.resolveLocked(from, to, errText, now)
}

func (bs *battleState) resolveLocked(from, to Status, errText string, now time.Time) bool {
	if bs.b.Status != from {
		return false
	}
	bs.b.Status = to
	bs.b.CompletedAt = now
	if errText != "" {
		bs.b.Error = errText
	}
	for i := range bs.b.Agents {
		a := &bs.b.Agents[i]
		if a.ID == bs.b.WinnerID && to == StatusVictory {
			continue
		}
		if !a.Status.Terminal() || a.Status == AgentSuccess {
			a.Status = AgentCancelled
			a.CompletedAt = now
		}
	}
	close(bs.done)
	bs.cancel()
	return true
}

// exhausted resolves the battle as defeat when no agent can still win.
func (bs *battleState) exhausted(now time.Time) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.b.Status != StatusFighting {
		return false
	}
	for _, a := range bs.b.Agents {
		if !a.Status.Terminal() || a.Status == AgentSuccess {
			return false
		}
	}
	return bs.resolveLocked(StatusFighting, StatusDefeat, fmt.Sprintf("all %d attempts failed", len(bs.b.Agents)), now)
}

// win records agentID as the winner if the battle is still fighting.
func (bs *battleState) win(agentID, url, branch string, now time.Time) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.b.Status != StatusFighting {
		return false
	}
	bs.b.WinnerID = agentID
	bs.b.ResultURL = url
	bs.b.WinnerBranch = branch
	return bs.resolveLocked(StatusFighting, StatusVictory, "", now)
}
