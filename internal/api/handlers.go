// Package api exposes the HTTP and WebSocket frontend for agent networks.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/network"
)

// Handler contains the HTTP handlers for the network API.
type Handler struct {
	manager *network.Manager
	cache   *network.Cache
	perms   *PermissionBroker
	logger  *logger.Logger
}

// NewHandler creates a new API handler. The permission broker may be nil
// when no interactive permission surface is wanted.
func NewHandler(manager *network.Manager, cache *network.Cache, perms *PermissionBroker, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		cache:   cache,
		perms:   perms,
		logger:  log.WithFields(zap.String("component", "network-api")),
	}
}

// CreateNetworkRequest is the body of POST /api/v1/networks.
type CreateNetworkRequest struct {
	InitialMessage   string `json:"initialMessage"`
	WorkingDirectory string `json:"workingDirectory"`
}

// CreateNetworkResponse is the success body of POST /api/v1/networks.
type CreateNetworkResponse struct {
	NetworkID   string    `json:"networkId"`
	MainAgentID string    `json:"mainAgentId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateNetwork creates a network with one main agent and sends it the
// initial message.
// POST /api/v1/networks
func (h *Handler) CreateNetwork(c *gin.Context) {
	var req CreateNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if strings.TrimSpace(req.InitialMessage) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "initialMessage is required"})
		return
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workingDirectory is required"})
		return
	}

	dir, err := filepath.Abs(req.WorkingDirectory)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workingDirectory does not exist: " + req.WorkingDirectory})
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workingDirectory does not exist: " + req.WorkingDirectory})
		return
	}

	netw, err := h.manager.StartNew(c.Request.Context(), req.InitialMessage, dir)
	if err != nil {
		h.logger.Error("failed to create network", zap.Error(err))
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	h.cache.Put(netw)

	main := netw.MainAgent()
	c.JSON(http.StatusOK, CreateNetworkResponse{
		NetworkID:   netw.ID,
		MainAgentID: main.ID,
		CreatedAt:   netw.CreatedAt,
	})
}

// SendMessageRequest is the body of POST /api/v1/networks/:networkId/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendNetworkMessage routes a user message to the network's main agent,
// resuming the network first when it is not the active one.
// POST /api/v1/networks/:networkId/messages
func (h *Handler) SendNetworkMessage(c *gin.Context) {
	networkID := c.Param("networkId")

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	netw, wasResumed, err := h.cache.Resolve(c.Request.Context(), networkID)
	if err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if wasResumed {
		h.logger.Info("network resumed for incoming message",
			zap.String("network_id", networkID))
	}

	main := netw.MainAgent()
	h.manager.SendMessage(main.ID, req.Content)

	c.JSON(http.StatusOK, gin.H{"status": "sent", "agentId": main.ID})
}
