// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package api exposes the battle orchestrator over HTTP and a websocket
// notification feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agent-arena/internal/agent"
	"agent-arena/internal/battle"
	"agent-arena/internal/opencode"
	"agent-arena/internal/tracker"
)

// Battles is the part of the orchestrator the API drives.
type Battles interface {
	StartBattle(ctx context.Context, task tracker.Task, attempts int) (*battle.Battle, error)
	CancelBattle(id string) (*battle.Battle, error)
	GetBattle(id string) (*battle.Battle, error)
	ListBattles() []*battle.Battle
	RemoveBattle(id string) error
	AgentState(battleID, agentID string) (*opencode.DetailedState, error)
	RespondToPermission(ctx context.Context, battleID, agentID, permissionID string, decision agent.PermissionDecision) error
	Subscribe(id string) <-chan battle.Notification
	Unsubscribe(id string)
}

// Options tunes request handling.
type Options struct {
	// DefaultAttempts is used when a start request names no attempt count.
	DefaultAttempts int
}

// Router holds all API dependencies and routes.
type Router struct {
	engine  *gin.Engine
	battles Battles
	tasks   tracker.Client
	opts    Options
	logger  *slog.Logger

	hub    *Hub
	cancel context.CancelFunc
}

// NewRouter creates the router and starts forwarding notifications to
// websocket clients until Close.
func NewRouter(battles Battles, tasks tracker.Client, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultAttempts <= 0 {
		opts.DefaultAttempts = 3
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		engine:  engine,
		battles: battles,
		tasks:   tasks,
		opts:    opts,
		logger:  logger,
		hub:     NewHub(battles, logger),
		cancel:  cancel,
	}
	r.setupRoutes()

	go r.hub.Run(ctx)
	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/tasks", r.listTasks)

		battles := v1.Group("/battles")
		{
			battles.GET("", r.listBattles)
			battles.POST("", r.startBattle)
			battles.GET("/:id", r.getBattle)
			battles.DELETE("/:id", r.removeBattle)
			battles.POST("/:id/cancel", r.cancelBattle)
			battles.GET("/:id/agents/:agentId/state", r.agentState)
			battles.POST("/:id/agents/:agentId/permissions/:permissionId", r.respondToPermission)
		}
	}

	r.engine.GET("/ws", r.hub.ServeWS)
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Close stops the notification feed and disconnects websocket clients.
func (r *Router) Close() {
	r.cancel()
	r.hub.Close()
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
