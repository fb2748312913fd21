// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agent-arena/internal/agent"
	"agent-arena/internal/battle"
	"agent-arena/internal/session"
	"agent-arena/internal/tracker"
)

// StartRequest is the body of POST /api/v1/battles.
type StartRequest struct {
	TaskID   int `json:"task_id" binding:"required,gt=0"`
	Attempts int `json:"attempts" binding:"omitempty,min=1,max=20"`
}

// PermissionRequest is the body of a permission answer.
type PermissionRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (r *Router) listTasks(c *gin.Context) {
	if r.tasks == nil || !r.tasks.Configured() {
		abort(c, http.StatusServiceUnavailable, tracker.ErrNotConfigured)
		return
	}

	tasks, err := r.tasks.FetchOpenTasks(c.Request.Context())
	if err != nil {
		abort(c, trackerStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (r *Router) listBattles(c *gin.Context) {
	c.JSON(http.StatusOK, r.battles.ListBattles())
}

func (r *Router) startBattle(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.Attempts == 0 {
		req.Attempts = r.opts.DefaultAttempts
	}

	if r.tasks == nil || !r.tasks.Configured() {
		abort(c, http.StatusServiceUnavailable, tracker.ErrNotConfigured)
		return
	}
	task, err := r.tasks.GetTask(c.Request.Context(), req.TaskID)
	if err != nil {
		abort(c, trackerStatus(err), err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task " + strconv.Itoa(req.TaskID) + " not found"})
		return
	}

	b, err := r.battles.StartBattle(c.Request.Context(), *task, req.Attempts)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (r *Router) getBattle(c *gin.Context) {
	b, err := r.battles.GetBattle(c.Param("id"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (r *Router) removeBattle(c *gin.Context) {
	if err := r.battles.RemoveBattle(c.Param("id")); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (r *Router) cancelBattle(c *gin.Context) {
	b, err := r.battles.CancelBattle(c.Param("id"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (r *Router) agentState(c *gin.Context) {
	st, err := r.battles.AgentState(c.Param("id"), c.Param("agentId"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) respondToPermission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	decision, err := agent.ParsePermissionDecision(req.Decision)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	err = r.battles.RespondToPermission(c.Request.Context(), c.Param("id"), c.Param("agentId"), c.Param("permissionId"), decision)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered", "decision": decision})
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	var (
		cfgErr  *battle.ConfigurationError
		capErr  *battle.CapacityError
		provErr *battle.ProvisioningError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &capErr):
		return http.StatusTooManyRequests
	case errors.As(err, &provErr):
		return http.StatusInternalServerError
	case errors.Is(err, battle.ErrBattleNotFound), errors.Is(err, battle.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, battle.ErrBattleActive),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, battle.ErrInvalidAttempts):
		return http.StatusBadRequest
	case errors.Is(err, battle.ErrOrchestratorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func trackerStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrNotConfigured), errors.Is(err, tracker.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tracker.ErrAuthRequired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
