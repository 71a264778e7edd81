package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/permission"
)

// PermissionBroker bridges the gate's channel asker to the REST surface:
// requests queue up here until a client resolves them.
type PermissionBroker struct {
	asker  *permission.ChannelAsker
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]permission.Request
}

// NewPermissionBroker drains the asker's request stream in the background.
func NewPermissionBroker(asker *permission.ChannelAsker, log *logger.Logger) *PermissionBroker {
	b := &PermissionBroker{
		asker:   asker,
		logger:  log.WithFields(zap.String("component", "permission-broker")),
		pending: make(map[string]permission.Request),
	}
	go func() {
		for req := range asker.Requests() {
			b.mu.Lock()
			b.pending[req.ID] = req
			b.mu.Unlock()
			b.logger.Info("permission request queued",
				zap.String("request_id", req.ID),
				zap.String("tool", req.ToolName))
		}
	}()
	return b
}

// Pending lists the requests still awaiting a decision.
func (b *PermissionBroker) Pending() []permission.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]permission.Request, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, req)
	}
	return out
}

// Resolve answers one pending request.
func (b *PermissionBroker) Resolve(requestID string, resp permission.Response) error {
	if err := b.asker.Resolve(requestID, resp); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
	return nil
}

// DecidePermission resolves a permission prompt forwarded by an agent's
// kernel subprocess. The response is the CLI's permission result shape, so
// the kernel can relay it verbatim.
// POST /api/v1/permissions/decide
func (h *Handler) DecidePermission(c *gin.Context) {
	var req struct {
		AgentID  string         `json:"agentId"`
		ToolName string         `json:"toolName"`
		Input    map[string]any `json:"input"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.ToolName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "toolName is required"})
		return
	}

	gate := h.manager.Gate()
	if gate == nil {
		c.JSON(http.StatusOK, gin.H{"behavior": "deny", "message": "no active network"})
		return
	}

	cwd := ""
	if netw, ok := h.manager.Network(); ok {
		cwd = netw.WorktreePath
	}

	decision, err := gate.Decide(c.Request.Context(),
		permission.NewRequest(req.ToolName, req.Input, req.AgentID, cwd))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"behavior": "deny", "message": err.Error()})
		return
	}

	if decision.Behavior == permission.BehaviorAllow {
		c.JSON(http.StatusOK, gin.H{"behavior": "allow", "updatedInput": req.Input})
		return
	}
	c.JSON(http.StatusOK, gin.H{"behavior": "deny", "message": decision.Reason})
}

// ListPermissionRequests returns the prompts awaiting a user decision.
// GET /api/v1/permissions/requests
func (h *Handler) ListPermissionRequests(c *gin.Context) {
	if h.perms == nil {
		c.JSON(http.StatusOK, gin.H{"requests": []permission.Request{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": h.perms.Pending()})
}

// ResolvePermissionRequest answers one pending prompt.
// POST /api/v1/permissions/requests/:requestId
func (h *Handler) ResolvePermissionRequest(c *gin.Context) {
	requestID := c.Param("requestId")

	var resp permission.Response
	if err := c.ShouldBindJSON(&resp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	switch resp.Behavior {
	case permission.BehaviorAllow, permission.BehaviorDeny:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "behavior must be allow or deny"})
		return
	}

	if h.perms == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no permission broker configured"})
		return
	}
	if err := h.perms.Resolve(requestID, resp); err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
