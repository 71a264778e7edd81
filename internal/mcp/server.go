// Package mcp hosts the per-agent MCP tool servers. Every agent gets its own
// instances of the server kinds configured for its type, each bound to a
// localhost port from the shared allocator and exposed over streamable HTTP
// at /mcp.
package mcp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
	"github.com/agentmesh/agentmesh/pkg/claudecode"
)

// Server is the uniform contract every tool server honors. The name is
// stable and used as the map key in the child process MCP config.
type Server interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Port() int
	ToolNames() []string
	ToolConfig() claudecode.MCPServerEntry
}

// HTTPServer hosts one tool catalog over the streamable HTTP transport.
type HTTPServer struct {
	name  string
	tools []mcpserver.ServerTool
	alloc *portalloc.Allocator

	mu         sync.Mutex
	running    bool
	port       int
	httpServer *http.Server
	streamable *mcpserver.StreamableHTTPServer

	logger *logger.Logger
}

// NewHTTPServer builds a server for the given catalog. It does not bind
// until Start.
func NewHTTPServer(name string, tools []mcpserver.ServerTool, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	return &HTTPServer{
		name:   name,
		tools:  tools,
		alloc:  alloc,
		logger: log.WithFields(zap.String("mcp_server", name)),
	}
}

func (s *HTTPServer) Name() string { return s.name }

// Start acquires a port, binds the HTTP listener and serves in a goroutine.
// The server is running when Start returns nil.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("mcp server %s already running", s.name)
	}

	port, err := s.alloc.Acquire(0)
	if err != nil {
		return fmt.Errorf("allocate port for %s: %w", s.name, err)
	}

	core := mcpserver.NewMCPServer(s.name, "1.0.0",
		mcpserver.WithToolCapabilities(true),
	)
	core.AddTools(s.tools...)

	s.streamable = mcpserver.NewStreamableHTTPServer(core,
		mcpserver.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		s.alloc.Release(port)
		return fmt.Errorf("bind mcp server %s on port %d: %w", s.name, port, err)
	}

	s.port = port
	s.httpServer = &http.Server{Handler: mux}
	s.running = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error", zap.Error(err))
		}
	}()

	s.logger.Info("mcp server listening", zap.Int("port", port))
	return nil
}

// Stop shuts the server down and releases the port. Idempotent.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("mcp server shutdown", zap.Error(err))
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("streamable transport shutdown", zap.Error(err))
		}
	}
	s.alloc.Release(s.port)
	s.port = 0
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *HTTPServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ToolNames lists the tools this server advertises.
func (s *HTTPServer) ToolNames() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Tool.Name
	}
	return names
}

// ToolConfig renders the server's entry for the child process MCP config.
func (s *HTTPServer) ToolConfig() claudecode.MCPServerEntry {
	return claudecode.MCPServerEntry{
		Type: "http",
		URL:  fmt.Sprintf("http://localhost:%d/mcp", s.Port()),
	}
}
