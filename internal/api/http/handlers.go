// Package http contains the REST handlers for workspace inspection and
// lifecycle control. Streaming interaction happens over the WebSocket
// surface; these endpoints serve dashboards, CLIs, and health probes.
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/backend/internal/api/middleware"
	"github.com/agentdeck/backend/internal/domain/sync"
	"github.com/agentdeck/backend/internal/domain/workspace"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/shared/types"
)

// Handlers contains all REST handlers.
type Handlers struct {
	manager   *workspace.Manager
	store     *sync.Store // nil when sync persistence is disabled
	allowlist *middleware.Allowlist
	metrics   *monitoring.Metrics
}

// NewHandlers creates a new handler set.
func NewHandlers(manager *workspace.Manager, store *sync.Store, allowlist *middleware.Allowlist, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		manager:   manager,
		store:     store,
		allowlist: allowlist,
		metrics:   metrics,
	}
}

// Root handles the liveness check.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "agentdeck-backend",
	})
}

// Health handles the detailed health check.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"workspaces":     len(h.manager.List()),
		"sync_enabled":   h.store != nil,
		"uptime_seconds": int64(h.metrics.Uptime().Seconds()),
	})
}

// ListWorkspaces lists all registered workspaces.
func (h *Handlers) ListWorkspaces(c *gin.Context) {
	workspaces := h.manager.List()
	c.JSON(http.StatusOK, gin.H{
		"workspaces": workspaces,
		"count":      len(workspaces),
	})
}

// ActiveWorkspaces lists workspaces with a streaming slot.
func (h *Handlers) ActiveWorkspaces(c *gin.Context) {
	active := h.manager.Active()
	c.JSON(http.StatusOK, gin.H{
		"workspaces": active,
		"count":      len(active),
	})
}

// GetWorkspace returns one workspace snapshot.
func (h *Handlers) GetWorkspace(c *gin.Context) {
	info, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.workspaceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// OpenWorkspace opens (or attaches to) the workspace for a path.
func (h *Handlers) OpenWorkspace(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.allowlist.Allowed(req.Path) {
		c.JSON(http.StatusForbidden, gin.H{"error": "path not allowed"})
		return
	}

	result, err := h.manager.Open(c.Request.Context(), req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// CloseWorkspace tears a workspace down. This is the explicit
// user-facing close; client disconnects only detach.
func (h *Handlers) CloseWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")
	if err := h.manager.Close(workspaceID); err != nil {
		h.workspaceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"workspace_id": workspaceID,
	})
}

// ListSlots lists a workspace's slots with their state.
func (h *Handlers) ListSlots(c *gin.Context) {
	orch, err := h.manager.Orchestrator(c.Param("id"))
	if err != nil {
		h.workspaceError(c, err)
		return
	}

	slots := make([]gin.H, 0)
	for _, slotID := range orch.Slots() {
		slot, err := orch.Slot(slotID)
		if err != nil {
			continue
		}
		slots = append(slots, gin.H{
			"slot_id":   slot.ID(),
			"streaming": slot.Streaming(),
			"pending":   slot.Pending(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"slots": slots})
}

// PendingRequests lists a workspace's durable pending-input records.
func (h *Handlers) PendingRequests(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sync persistence disabled"})
		return
	}

	pending, err := h.store.PendingRequests(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// CatchUpPlan computes the catch-up plan for a client acked at the
// given version.
func (h *Handlers) CatchUpPlan(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sync persistence disabled"})
		return
	}

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
		return
	}

	plan, err := h.store.Plan(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handlers) workspaceError(c *gin.Context, err error) {
	if errors.Is(err, types.ErrWorkspaceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
