package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Server is the HTTP frontend. It binds a loopback listener, serves the
// REST and WebSocket routes and shuts down gracefully.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger
	port       int
}

// NewServer wires the router. Call Start to bind.
func NewServer(cfg config.ServerConfig, handler *Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		router: gin.New(),
		logger: log.WithFields(zap.String("component", "api-server")),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "agentmesh"))

	s.router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/networks", handler.CreateNetwork)
		v1.POST("/networks/:networkId/messages", handler.SendNetworkMessage)
		v1.GET("/networks/:networkId/agents/:agentId/stream", handler.StreamAgent)

		v1.POST("/permissions/decide", handler.DecidePermission)
		v1.GET("/permissions/requests", handler.ListPermissionRequests)
		v1.POST("/permissions/requests/:requestId", handler.ResolvePermissionRequest)
	}

	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. With port 0 the
// kernel picks an ephemeral port; Port reports the effective one.
func (s *Server) Start() error {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port

	// No read/write timeouts on the server itself: the stream endpoint
	// holds connections open indefinitely. Header reads stay bounded.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeoutDuration(),
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("api server listening", zap.String("url", s.URL()))
	return nil
}

// Port returns the bound port, valid after Start.
func (s *Server) Port() int {
	return s.port
}

// URL returns the server's base URL, valid after Start.
func (s *Server) URL() string {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.port)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
