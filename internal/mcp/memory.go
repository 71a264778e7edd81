package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
	"github.com/agentmesh/agentmesh/internal/store"
)

// NewMemoryServer exposes the project memory file as read/write tools.
// All agents of a network share the same backing store.
func NewMemoryServer(memory *store.MemoryStore, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcpcore.NewTool("memory_save",
				mcpcore.WithDescription("Save a note to project memory. Overwrites any existing note with the same key."),
				mcpcore.WithString("key",
					mcpcore.Required(),
					mcpcore.Description("Short identifier for the note"),
				),
				mcpcore.WithString("value",
					mcpcore.Required(),
					mcpcore.Description("The note content"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				key, err := req.RequireString("key")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				value, err := req.RequireString("value")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				if err := memory.Save(key, value); err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to save memory: %v", err)), nil
				}
				return mcpcore.NewToolResultText("saved"), nil
			},
		},
		{
			Tool: mcpcore.NewTool("memory_get",
				mcpcore.WithDescription("Read a note from project memory by key"),
				mcpcore.WithString("key",
					mcpcore.Required(),
					mcpcore.Description("The note key"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				key, err := req.RequireString("key")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				entry, ok, err := memory.Get(key)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to read memory: %v", err)), nil
				}
				if !ok {
					return mcpcore.NewToolResultError("no memory entry for key: " + key), nil
				}
				return mcpcore.NewToolResultText(entry.Value), nil
			},
		},
		{
			Tool: mcpcore.NewTool("memory_list",
				mcpcore.WithDescription("List all project memory keys"),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				entries, err := memory.List()
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to list memory: %v", err)), nil
				}
				if len(entries) == 0 {
					return mcpcore.NewToolResultText("(no entries)"), nil
				}
				keys := make([]string, len(entries))
				for i, e := range entries {
					keys[i] = e.Key
				}
				return mcpcore.NewToolResultText(strings.Join(keys, "\n")), nil
			},
		},
	}
	return NewHTTPServer("memory", tools, alloc, log)
}
