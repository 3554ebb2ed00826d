// Package ws is the streaming client surface: one WebSocket connection
// attaches to one workspace, receives its event stream live, and issues
// prompt, answer, abort, and sync-acknowledgment commands.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/api/middleware"
	"github.com/agentdeck/backend/internal/domain/session"
	syncstore "github.com/agentdeck/backend/internal/domain/sync"
	"github.com/agentdeck/backend/internal/domain/workspace"
	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/shared/id"
	"github.com/agentdeck/backend/internal/shared/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// Message is the client-to-server command envelope.
type Message struct {
	Type        string `json:"type"`
	Path        string `json:"path,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	SlotID      string `json:"slot_id,omitempty"`
	Text        string `json:"text,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Option      string `json:"option,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// Handler manages WebSocket connections.
type Handler struct {
	manager   *workspace.Manager
	store     *syncstore.Store // nil when sync persistence is disabled
	allowlist *middleware.Allowlist
	logger    *logging.Logger
	metrics   *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler.
func NewHandler(manager *workspace.Manager, store *syncstore.Store, allowlist *middleware.Allowlist, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{
		manager:   manager,
		store:     store,
		allowlist: allowlist,
		logger:    logger,
		metrics:   metrics,
	}
}

// conn wraps one WebSocket connection. The write mutex serializes the
// read-loop replies with the subscription fan-out goroutine.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex

	clientID    string
	workspaceID string // empty until the client opens a workspace
	closed      bool   // workspace explicitly closed; skip detach on disconnect

	sub        workspace.Subscription
	subscribed bool
}

func (c *conn) send(data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(data)
}

// HandleConnection handles WebSocket upgrade and messages.
func (h *Handler) HandleConnection(g *gin.Context) {
	ws, err := upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	c := &conn{ws: ws}
	defer h.teardown(c)

	c.send(gin.H{
		"type":    "system",
		"message": "connected",
	})

	ctx := g.Request.Context()
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.countMessage("in", msg.Type)

		switch msg.Type {
		case "open":
			h.handleOpen(ctx, c, msg)
		case "prompt":
			h.handlePrompt(ctx, c, msg)
		case "answer":
			h.handleAnswer(ctx, c, msg)
		case "abort":
			h.handleAbort(ctx, c, msg)
		case "ack":
			h.handleAck(ctx, c, msg)
		case "detach":
			h.handleDetach(c)
		case "close_workspace":
			h.handleClose(c)
		case "ping":
			h.reply(c, gin.H{"type": "pong"})
		default:
			h.sendError(c, "unknown message type")
		}
	}
}

// handleOpen attaches the connection to the workspace for a path,
// creating it if needed. The reply carries the attach state, any events
// buffered while detached, and the sync catch-up plan for the client's
// last acknowledged version.
func (h *Handler) handleOpen(ctx context.Context, c *conn, msg Message) {
	if c.workspaceID != "" {
		h.sendError(c, "already attached to a workspace")
		return
	}
	if !h.allowlist.Allowed(msg.Path) {
		h.sendError(c, "path not allowed")
		return
	}

	result, err := h.manager.Open(ctx, msg.Path)
	if err != nil {
		h.sendError(c, err.Error())
		return
	}

	c.workspaceID = result.Workspace.ID
	c.clientID = msg.ClientID
	if c.clientID == "" {
		c.clientID = id.NewClientID().String()
	}

	// Subscription is installed after attach: events buffered while
	// detached arrive in the open reply, live events follow.
	c.sub = h.manager.SubscribeAll(h.forward(c, c.workspaceID))
	c.subscribed = true

	reply := gin.H{
		"type":      "opened",
		"client_id": c.clientID,
		"result":    result,
	}

	if h.store != nil {
		if err := h.store.RegisterClient(ctx, c.clientID, c.workspaceID); err != nil {
			h.logger.Warn("Failed to register sync client", zap.Error(err))
		}
		if plan, err := h.store.Plan(ctx, c.workspaceID, msg.Version); err == nil {
			reply["plan"] = plan
		} else {
			h.logger.Warn("Failed to compute catch-up plan", zap.Error(err))
			reply["plan"] = types.CatchUpPlan{FullResync: true}
		}
	}

	h.reply(c, reply)
}

// forward builds the fan-out handler for one connection. Events from
// other workspaces are dropped here; the registry is process-wide. The
// workspace id is captured at subscribe time so the filter never races
// the read loop.
func (h *Handler) forward(c *conn, workspaceID string) workspace.Handler {
	return func(event types.Event) {
		if event.WorkspaceID != workspaceID {
			return
		}
		h.countMessage("out", "event")
		if err := c.send(gin.H{
			"type":  "event",
			"event": event,
		}); err != nil {
			h.logger.Debug("WebSocket event write failed", zap.Error(err))
		}
	}
}

func (h *Handler) handlePrompt(ctx context.Context, c *conn, msg Message) {
	if !h.requireAttached(c) {
		return
	}
	if err := h.manager.Prompt(ctx, c.workspaceID, slotOrDefault(msg), msg.Text); err != nil {
		h.sendError(c, err.Error())
		return
	}
	h.reply(c, gin.H{"type": "accepted", "slot_id": slotOrDefault(msg)})
}

func (h *Handler) handleAnswer(ctx context.Context, c *conn, msg Message) {
	if !h.requireAttached(c) {
		return
	}
	if err := h.manager.Answer(ctx, c.workspaceID, slotOrDefault(msg), msg.RequestID, msg.Option); err != nil {
		h.sendError(c, err.Error())
		return
	}
	h.reply(c, gin.H{"type": "answered", "request_id": msg.RequestID})
}

func (h *Handler) handleAbort(ctx context.Context, c *conn, msg Message) {
	if !h.requireAttached(c) {
		return
	}
	if err := h.manager.Abort(ctx, c.workspaceID, slotOrDefault(msg)); err != nil {
		h.sendError(c, err.Error())
		return
	}
	h.reply(c, gin.H{"type": "abort_requested", "slot_id": slotOrDefault(msg)})
}

// handleAck records sync progress so reconnects resume with deltas
// instead of a full resync.
func (h *Handler) handleAck(ctx context.Context, c *conn, msg Message) {
	if !h.requireAttached(c) {
		return
	}
	if h.store == nil {
		return
	}
	if err := h.store.Ack(ctx, c.clientID, msg.Version); err != nil {
		h.logger.Warn("Failed to record ack", zap.Error(err))
	}
}

func (h *Handler) handleDetach(c *conn) {
	if !h.requireAttached(c) {
		return
	}
	h.detach(c)
	h.reply(c, gin.H{"type": "detached"})
}

func (h *Handler) handleClose(c *conn) {
	if !h.requireAttached(c) {
		return
	}
	workspaceID := c.workspaceID
	h.dropSubscription(c)
	c.workspaceID = ""
	c.closed = true

	if err := h.manager.Close(workspaceID); err != nil {
		h.sendError(c, err.Error())
		return
	}
	h.reply(c, gin.H{"type": "workspace_closed", "workspace_id": workspaceID})
}

// teardown runs on disconnect. A vanished client only detaches; the
// workspace and its agent sessions keep running.
func (h *Handler) teardown(c *conn) {
	if c.workspaceID == "" || c.closed {
		return
	}
	h.detach(c)
}

func (h *Handler) dropSubscription(c *conn) {
	if c.subscribed {
		h.manager.Unsubscribe(c.sub)
		c.subscribed = false
	}
}

func (h *Handler) detach(c *conn) {
	h.dropSubscription(c)
	if err := h.manager.Detach(c.workspaceID); err != nil {
		h.logger.Debug("Detach failed", zap.Error(err))
	}
	if h.store != nil && c.clientID != "" {
		if err := h.store.Touch(context.Background(), c.clientID); err != nil {
			h.logger.Debug("Failed to touch sync client", zap.Error(err))
		}
	}
	c.workspaceID = ""
}

func (h *Handler) requireAttached(c *conn) bool {
	if c.workspaceID == "" {
		h.sendError(c, "no workspace attached")
		return false
	}
	return true
}

func (h *Handler) reply(c *conn, data gin.H) {
	if t, ok := data["type"].(string); ok {
		h.countMessage("out", t)
	}
	data["timestamp"] = time.Now().Unix()
	if err := c.send(data); err != nil {
		h.logger.Debug("WebSocket write failed", zap.Error(err))
	}
}

func (h *Handler) sendError(c *conn, text string) {
	h.reply(c, gin.H{"type": "error", "message": text})
}

func (h *Handler) countMessage(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}

func slotOrDefault(msg Message) string {
	if msg.SlotID != "" {
		return msg.SlotID
	}
	return session.DefaultSlotID
}
