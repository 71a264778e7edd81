package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
)

// NewGitServer exposes read-only git inspection tools over the worktree.
// Mutating git operations go through the agent's regular shell tool where the
// permission gate can see them.
func NewGitServer(worktree string, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcpcore.NewTool("git_status",
				mcpcore.WithDescription("Show the working tree status"),
			),
			Handler: gitHandler(worktree, func(req mcpcore.CallToolRequest) []string {
				return []string{"status", "--porcelain=v1", "--branch"}
			}),
		},
		{
			Tool: mcpcore.NewTool("git_log",
				mcpcore.WithDescription("Show recent commits"),
				mcpcore.WithString("count",
					mcpcore.Description("Number of commits to show (default 20)"),
				),
			),
			Handler: gitHandler(worktree, func(req mcpcore.CallToolRequest) []string {
				count := req.GetString("count", "20")
				return []string{"log", "--oneline", "-n", count}
			}),
		},
		{
			Tool: mcpcore.NewTool("git_diff",
				mcpcore.WithDescription("Show uncommitted changes, optionally limited to a path"),
				mcpcore.WithString("path",
					mcpcore.Description("Limit the diff to this path (optional)"),
				),
			),
			Handler: gitHandler(worktree, func(req mcpcore.CallToolRequest) []string {
				args := []string{"diff"}
				if path := req.GetString("path", ""); path != "" {
					args = append(args, "--", path)
				}
				return args
			}),
		},
		{
			Tool: mcpcore.NewTool("git_branch",
				mcpcore.WithDescription("List local branches"),
			),
			Handler: gitHandler(worktree, func(req mcpcore.CallToolRequest) []string {
				return []string{"branch", "--list"}
			}),
		},
	}
	return NewHTTPServer("git", tools, alloc, log)
}

func gitHandler(worktree string, buildArgs func(mcpcore.CallToolRequest) []string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
		args := buildArgs(req)
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = worktree
		out, err := cmd.CombinedOutput()
		if err != nil {
			return mcpcore.NewToolResultError(fmt.Sprintf("git %s failed: %v\n%s", args[0], err, out)), nil
		}
		text := strings.TrimRight(string(out), "\n")
		if text == "" {
			text = "(no output)"
		}
		return mcpcore.NewToolResultText(text), nil
	}
}
