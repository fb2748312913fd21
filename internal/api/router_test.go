// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-arena/internal/agent"
	"agent-arena/internal/battle"
	"agent-arena/internal/opencode"
	"agent-arena/internal/session"
	"agent-arena/internal/tracker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBattles struct {
	mu          sync.Mutex
	battles     map[string]*battle.Battle
	startErr    error
	removeErr   error
	permErr     error
	started     []tracker.Task
	attempts    []int
	permissions []string
	feed        chan battle.Notification
}

func newFakeBattles() *fakeBattles {
	return &fakeBattles{
		battles: map[string]*battle.Battle{},
		feed:    make(chan battle.Notification, 8),
	}
}

func (f *fakeBattles) StartBattle(_ context.Context, task tracker.Task, attempts int) (*battle.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, task)
	f.attempts = append(f.attempts, attempts)
	b := &battle.Battle{ID: fmt.Sprintf("b%d", len(f.started)), Task: task, Status: battle.StatusFighting}
	f.battles[b.ID] = b
	return b, nil
}

func (f *fakeBattles) CancelBattle(id string) (*battle.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.battles[id]
	if !ok {
		return nil, battle.ErrBattleNotFound
	}
	b.Status = battle.StatusDefeat
	return b, nil
}

func (f *fakeBattles) GetBattle(id string) (*battle.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.battles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", battle.ErrBattleNotFound, id)
	}
	return b, nil
}

func (f *fakeBattles) ListBattles() []*battle.Battle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*battle.Battle{}
	for _, b := range f.battles {
		out = append(out, b)
	}
	return out
}

func (f *fakeBattles) RemoveBattle(id string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	_, err := f.GetBattle(id)
	return err
}

func (f *fakeBattles) AgentState(battleID, agentID string) (*opencode.DetailedState, error) {
	if _, err := f.GetBattle(battleID); err != nil {
		return nil, err
	}
	if agentID != battleID+"-0" {
		return nil, battle.ErrAgentNotFound
	}
	st := opencode.NewDetailedState(time.Unix(0, 0))
	st.Steps = 4
	return st, nil
}

func (f *fakeBattles) RespondToPermission(_ context.Context, battleID, agentID, permissionID string, decision agent.PermissionDecision) error {
	if f.permErr != nil {
		return f.permErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, strings.Join([]string{battleID, agentID, permissionID, string(decision)}, "/"))
	return nil
}

func (f *fakeBattles) Subscribe(string) <-chan battle.Notification { return f.feed }

func (f *fakeBattles) Unsubscribe(string) {}

type fakeTracker struct {
	configured bool
	tasks      []tracker.Task
	err        error
}

func (f *fakeTracker) Configured() bool { return f.configured }

func (f *fakeTracker) FetchOpenTasks(context.Context) ([]tracker.Task, error) {
	return f.tasks, f.err
}

func (f *fakeTracker) GetTask(_ context.Context, id int) (*tracker.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, t := range f.tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeTracker) PublishResult(context.Context, string, int, string) (string, error) {
	return "", nil
}

func newTestRouter(t *testing.T) (*Router, *fakeBattles, *fakeTracker) {
	t.Helper()
	fb := newFakeBattles()
	ft := &fakeTracker{configured: true, tasks: []tracker.Task{{ID: 12, Title: "Add retries"}}}
	r := NewRouter(fb, ft, Options{DefaultAttempts: 4}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Close)
	return r, fb, ft
}

func do(t *testing.T, r *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListTasks(t *testing.T) {
	r, _, ft := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []tracker.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Equal(t, ft.tasks, tasks)

	ft.err = tracker.ErrAuthRequired
	assert.Equal(t, http.StatusBadGateway, do(t, r, http.MethodGet, "/api/v1/tasks", nil).Code)

	ft.configured = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodGet, "/api/v1/tasks", nil).Code)
}

func TestStartBattle(t *testing.T) {
	r, fb, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/battles", StartRequest{TaskID: 12, Attempts: 5})
	require.Equal(t, http.StatusCreated, w.Code)

	var b battle.Battle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, 12, b.Task.ID)
	assert.Equal(t, []int{5}, fb.attempts)

	w = do(t, r, http.MethodPost, "/api/v1/battles", map[string]int{"task_id": 12})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []int{5, 4}, fb.attempts, "default attempts apply")
}

func TestStartBattle_Validation(t *testing.T) {
	r, fb, _ := newTestRouter(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing task", map[string]int{"attempts": 2}, http.StatusBadRequest},
		{"negative task", map[string]int{"task_id": -3}, http.StatusBadRequest},
		{"too many attempts", map[string]int{"task_id": 12, "attempts": 21}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
		{"unknown task", map[string]int{"task_id": 99}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/v1/battles", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, fb.started)
}

func TestStartBattle_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unconfigured", &battle.ConfigurationError{Component: "tracker", Reason: "x"}, http.StatusServiceUnavailable},
		{"at capacity", &battle.CapacityError{Active: 3, Limit: 3}, http.StatusTooManyRequests},
		{"provisioning", &battle.ProvisioningError{BattleID: "b", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"attempts", fmt.Errorf("%w: 9", battle.ErrInvalidAttempts), http.StatusBadRequest},
		{"closed", battle.ErrOrchestratorClosed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, fb, _ := newTestRouter(t)
			fb.startErr = tt.err

			w := do(t, r, http.MethodPost, "/api/v1/battles", StartRequest{TaskID: 12})
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestBattleLifecycleRoutes(t *testing.T) {
	r, fb, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/battles", StartRequest{TaskID: 12}).Code)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/battles", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/battles/b1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/v1/battles/zzz", nil).Code)

	fb.removeErr = battle.ErrBattleActive
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodDelete, "/api/v1/battles/b1", nil).Code)

	w := do(t, r, http.MethodPost, "/api/v1/battles/b1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"defeat"`)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/v1/battles/zzz/cancel", nil).Code)

	fb.removeErr = nil
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodDelete, "/api/v1/battles/b1", nil).Code)
}

func TestAgentState(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/battles", StartRequest{TaskID: 12}).Code)

	w := do(t, r, http.MethodGet, "/api/v1/battles/b1/agents/b1-0/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st opencode.DetailedState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 4, st.Steps)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/v1/battles/b1/agents/b1-7/state", nil).Code)
}

func TestRespondToPermission(t *testing.T) {
	r, fb, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/v1/battles", StartRequest{TaskID: 12}).Code)
	path := "/api/v1/battles/b1/agents/b1-0/permissions/perm-9"

	w := do(t, r, http.MethodPost, path, PermissionRequest{Decision: "Always"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"b1/b1-0/perm-9/always"}, fb.permissions)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, path, PermissionRequest{Decision: "maybe"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, path, map[string]string{}).Code)

	fb.permErr = fmt.Errorf("responding: %w", session.ErrSessionNotReady)
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, path, PermissionRequest{Decision: "once"}).Code)
}

func TestWebSocketFeed(t *testing.T) {
	r, fb, _ := newTestRouter(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, "snapshot", read().Type)

	fb.feed <- battle.Notification{Kind: battle.NotifyBattleStarted, BattleID: "b7"}
	msg := read()
	assert.Equal(t, string(battle.NotifyBattleStarted), msg.Type)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b7", payload["battle_id"])

	// A filtered client only hears about its battle.
	_, err = fb.StartBattle(context.Background(), tracker.Task{ID: 12}, 1)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe_battle", "battle_id": "b1"}))
	assert.Equal(t, "battle", read().Type)

	fb.feed <- battle.Notification{Kind: battle.NotifyAgentProgress, BattleID: "b7"}
	fb.feed <- battle.Notification{Kind: battle.NotifyAgentStatus, BattleID: "b1"}
	msg = read()
	assert.Equal(t, string(battle.NotifyAgentStatus), msg.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe_battle", "battle_id": "missing"}))
	assert.Equal(t, "error", read().Type)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	r, _, _ := newTestRouter(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return r.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.Close()
	assert.Zero(t, r.hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
