package mcp

import (
	"context"
	"fmt"
	"strconv"

	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
)

// AppRuntime is the running application under test, as seen by a tester
// agent. The harness that owns the app process provides the implementation.
type AppRuntime interface {
	HotReload(ctx context.Context) (string, error)
	HotRestart(ctx context.Context) (string, error)
	Logs(ctx context.Context, limit int) (string, error)
}

// NewRuntimeServer exposes hot-reload and log tools to a tester agent.
func NewRuntimeServer(runtime AppRuntime, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcpcore.NewTool("hot_reload",
				mcpcore.WithDescription("Hot-reload the running application, keeping its state"),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				out, err := runtime.HotReload(ctx)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("hot reload failed: %v", err)), nil
				}
				return mcpcore.NewToolResultText(out), nil
			},
		},
		{
			Tool: mcpcore.NewTool("hot_restart",
				mcpcore.WithDescription("Restart the running application from scratch"),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				out, err := runtime.HotRestart(ctx)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("hot restart failed: %v", err)), nil
				}
				return mcpcore.NewToolResultText(out), nil
			},
		},
		{
			Tool: mcpcore.NewTool("get_logs",
				mcpcore.WithDescription("Fetch recent log lines from the running application"),
				mcpcore.WithString("limit",
					mcpcore.Description("Maximum number of lines to return (default 100)"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				limit, err := strconv.Atoi(req.GetString("limit", "100"))
				if err != nil || limit <= 0 {
					limit = 100
				}
				out, err := runtime.Logs(ctx, limit)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to fetch logs: %v", err)), nil
				}
				return mcpcore.NewToolResultText(out), nil
			},
		},
	}
	return NewHTTPServer("flutter-runtime", tools, alloc, log)
}
