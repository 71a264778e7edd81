package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/internal/streaming"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Loopback-only server, origin checks add nothing here.
		return true
	},
}

// envelope is the outward WebSocket event frame.
type envelope struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId"`
	AgentType string         `json:"agentType"`
	AgentName string         `json:"agentName,omitempty"`
	TaskName  string         `json:"taskName,omitempty"`
	Data      map[string]any `json:"data"`
}

// StreamAgent upgrades to a WebSocket and streams one agent's conversation
// as delta events. The first frame is a plain connected acknowledgment,
// everything after is an envelope.
// GET /api/v1/networks/:networkId/agents/:agentId/stream
func (h *Handler) StreamAgent(c *gin.Context) {
	networkID := c.Param("networkId")
	agentID := c.Param("agentId")

	netw, _, err := h.cache.Resolve(c.Request.Context(), networkID)
	if err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	meta, ok := netw.Agent(agentID)
	if !ok {
		appErr := errors.NotFound("agent", agentID)
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
		return
	}
	runner, ok := h.manager.Runner(agentID)
	if !ok {
		appErr := errors.NotFound("agent", agentID)
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	h.logger.Info("stream attached",
		zap.String("network_id", networkID),
		zap.String("agent_id", agentID))

	sub := streaming.NewSubscription(runner)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(gin.H{
		"type":      "connected",
		"networkId": networkID,
		"agentId":   agentID,
	}); err != nil {
		sub.Cancel()
		conn.Close()
		return
	}

	go h.readPump(conn, sub)
	h.writePump(conn, sub, meta)
}

// readPump discards inbound frames. Messages flow through the REST
// endpoint; reading here only services pong frames and detects disconnect.
func (h *Handler) readPump(conn *websocket.Conn, sub *streaming.Subscription) {
	defer sub.Cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards pipeline events as envelopes until the subscription
// closes or a write fails.
func (h *Handler) writePump(conn *websocket.Conn, sub *streaming.Subscription, meta store.AgentMetadata) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Cancel()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(h.envelope(meta, ev)); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// envelope wraps a pipeline event for the wire, refreshing the mutable
// agent fields from the live network when possible.
func (h *Handler) envelope(meta store.AgentMetadata, ev streaming.Event) envelope {
	if netw, ok := h.manager.Network(); ok {
		if fresh, ok := netw.Agent(meta.ID); ok {
			meta = fresh
		}
	}
	return envelope{
		Type:      ev.Type,
		AgentID:   meta.ID,
		AgentType: meta.Type,
		AgentName: meta.Name,
		TaskName:  meta.TaskName,
		Data:      remapEventData(ev),
	}
}

// remapEventData shapes pipeline event payloads into the wire contract.
func remapEventData(ev streaming.Event) map[string]any {
	switch ev.Type {
	case streaming.EventMessage:
		return map[string]any{
			"role":    ev.Data["role"],
			"content": ev.Data["content"],
		}
	case streaming.EventMessageDelta:
		return map[string]any{
			"role":  "assistant",
			"delta": ev.Data["delta"],
		}
	case streaming.EventToolUse:
		return map[string]any{
			"toolName":  ev.Data["toolName"],
			"toolUseId": ev.Data["toolUseId"],
			"toolInput": ev.Data["parameters"],
		}
	case streaming.EventToolResult:
		return map[string]any{
			"toolName":  ev.Data["toolName"],
			"toolUseId": ev.Data["toolUseId"],
			"result":    ev.Data["content"],
			"isError":   ev.Data["isError"],
		}
	default:
		return ev.Data
	}
}
