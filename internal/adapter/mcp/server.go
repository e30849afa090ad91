// Package mcp exposes the marketplace over the Model Context Protocol so
// agent frameworks can drive it as a tool set.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pinchwork/pinchwork/internal/service"
)

// ServerConfig holds the MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string

	// GatewayKey optionally guards the transport. Read per request so the
	// key can rotate at runtime; nil or empty disables the check. Per-agent
	// identity still travels in the api_key tool argument.
	GatewayKey func() string
}

// ServerDeps are the marketplace services the tools call into.
type ServerDeps struct {
	Agents  *service.AgentService
	Tasks   *service.TaskService
	Credits *service.CreditService
}

// Server serves marketplace operations as MCP tools over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying MCP server. Exported for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Start serves MCP over streamable HTTP in the background.
func (s *Server) Start() error {
	handler := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: AuthMiddleware(s.cfg.GatewayKey, handler),
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	slog.Info("mcp server listening", "addr", s.cfg.Addr)
	return nil
}

// Stop gracefully shuts down the MCP HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
