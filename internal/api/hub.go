// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	hubSubscriber = "api_broadcaster"
	writeWait     = 10 * time.Second
	clientBuffer  = 64
)

// Message is one websocket frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub forwards orchestrator notifications to websocket clients.
type Hub struct {
	source Battles
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one websocket connection. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	battle string // only this battle's notifications when set
}

func (cl *client) wants(battleID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.battle == "" || cl.battle == battleID
}

// NewHub creates a hub reading from source.
func NewHub(source Battles, logger *slog.Logger) *Hub {
	return &Hub{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // no auth, same as the REST surface
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Run forwards notifications until ctx ends or the source closes the feed.
func (h *Hub) Run(ctx context.Context) {
	ch := h.source.Subscribe(hubSubscriber)
	defer h.source.Unsubscribe(hubSubscriber)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(n.BattleID, Message{Type: string(n.Kind), Payload: n})
		}
	}
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	go h.writePump(cl)
	h.queue(cl, Message{Type: "snapshot", Payload: h.source.ListBattles()})
	h.readPump(cl)
}

// readPump handles client requests until the connection fails.
func (h *Hub) readPump(cl *client) {
	defer h.drop(cl)

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Action   string `json:"action"`
			BattleID string `json:"battle_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		switch req.Action {
		case "subscribe_battle":
			b, err := h.source.GetBattle(req.BattleID)
			if err != nil {
				h.queue(cl, Message{Type: "error", Payload: err.Error()})
				continue
			}
			cl.mu.Lock()
			cl.battle = req.BattleID
			cl.mu.Unlock()
			h.queue(cl, Message{Type: "battle", Payload: b})
		case "unsubscribe_battle":
			cl.mu.Lock()
			cl.battle = ""
			cl.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(cl *client) {
	defer cl.conn.Close()
	for data := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) broadcast(battleID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode notification", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if !cl.wants(battleID) {
			continue
		}
		select {
		case cl.send <- data:
		default:
			h.logger.Debug("websocket client lagging, message dropped", "type", msg.Type)
		}
	}
}

func (h *Hub) queue(cl *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[cl]; !ok {
		return
	}
	select {
	case cl.send <- data:
	default:
	}
}

// drop unregisters cl and lets its write pump close the connection.
func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
}
