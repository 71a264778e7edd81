package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Environment variables the adapter sets on the CLI child so the kernel
// subprocess can reach back to the orchestrator.
const (
	EnvControlURL = "AGENTMESH_CONTROL_URL"
	EnvAgentID    = "AGENTMESH_AGENT_ID"
)

// KernelToolName is the permission prompt tool exposed over the stdio
// kernel entry, as the CLI addresses it.
const KernelToolName = "approval_prompt"

// decideRequest is the body posted to the orchestrator's decide endpoint.
type decideRequest struct {
	AgentID  string         `json:"agentId"`
	ToolName string         `json:"toolName"`
	Input    map[string]any `json:"input"`
}

// NewKernelServer builds the stdio MCP server the CLI spawns per agent. Its
// single tool forwards permission prompts to the orchestrator over HTTP and
// relays the decision back verbatim.
func NewKernelServer(controlURL, agentID string, log *logger.Logger) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("kernel", "1.0.0",
		mcpserver.WithToolCapabilities(false),
	)
	s.AddTools(mcpserver.ServerTool{
		Tool: mcpcore.NewTool(KernelToolName,
			mcpcore.WithDescription("Request permission to run a tool"),
			mcpcore.WithString("tool_name",
				mcpcore.Required(),
				mcpcore.Description("Name of the tool requesting permission"),
			),
			mcpcore.WithObject("input",
				mcpcore.Description("The tool's input parameters"),
			),
		),
		Handler: kernelHandler(controlURL, agentID, log),
	})
	return s
}

// RunKernelStdio serves the kernel over stdin/stdout until the CLI closes
// the pipes. Invoked when the binary runs with the "kernel" argument.
func RunKernelStdio(ctx context.Context, log *logger.Logger) error {
	controlURL := os.Getenv(EnvControlURL)
	agentID := os.Getenv(EnvAgentID)

	s := NewKernelServer(controlURL, agentID, log)
	stdio := mcpserver.NewStdioServer(s)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func kernelHandler(controlURL, agentID string, log *logger.Logger) mcpserver.ToolHandlerFunc {
	client := &http.Client{Timeout: 5 * time.Minute}

	return func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
		toolName, err := req.RequireString("tool_name")
		if err != nil {
			return mcpcore.NewToolResultError(err.Error()), nil
		}
		input, _ := req.GetArguments()["input"].(map[string]any)

		if controlURL == "" {
			return denyResult("kernel has no control endpoint configured"), nil
		}

		body, err := json.Marshal(decideRequest{
			AgentID:  agentID,
			ToolName: toolName,
			Input:    input,
		})
		if err != nil {
			return denyResult(fmt.Sprintf("encode decision request: %v", err)), nil
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			controlURL+"/api/v1/permissions/decide", bytes.NewReader(body))
		if err != nil {
			return denyResult(fmt.Sprintf("build decision request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return denyResult(fmt.Sprintf("reach orchestrator: %v", err)), nil
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return denyResult(fmt.Sprintf("decision endpoint returned %d", resp.StatusCode)), nil
		}

		// The decide endpoint already speaks the CLI's permission result
		// shape, pass it through untouched.
		return mcpcore.NewToolResultText(string(payload)), nil
	}
}

// denyResult encodes a deny decision in the CLI's permission result shape.
// Failing closed keeps an unreachable orchestrator from silently allowing
// tool calls.
func denyResult(message string) *mcpcore.CallToolResult {
	payload, _ := json.Marshal(map[string]any{
		"behavior": "deny",
		"message":  message,
	})
	return mcpcore.NewToolResultText(string(payload))
}
