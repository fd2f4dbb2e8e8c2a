// Package mcp exposes the agent registry, agent health and task lifecycle
// as Model Context Protocol tools and resources.
package mcp

import (
	"context"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/health"
	"github.com/Strob0t/switchboard/internal/domain/task"
)

// AgentReader lists registered agents.
type AgentReader interface {
	List() []*agentcard.Entry
	Get(id string) (*agentcard.Entry, error)
}

// HealthReader reports agent health snapshots.
type HealthReader interface {
	Record(agentID string) (health.Record, error)
	Records() []health.Record
}

// TaskService reads and cancels tasks.
type TaskService interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	ListBySession(ctx context.Context, sessionID string) []*task.Task
	Cancel(ctx context.Context, id string) (*task.Task, error)
}

// ServerConfig holds MCP server identity.
type ServerConfig struct {
	Name    string
	Version string
	APIKey  string
}

// ServerDeps are the services the tools read from. Nil deps make the
// corresponding tools report an error.
type ServerDeps struct {
	Agents AgentReader
	Health HealthReader
	Tasks  TaskService
}

// Server is the MCP tool server mounted under /mcp.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *mcpserver.StreamableHTTPServer
}

// NewServer creates a Server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	s.http = mcpserver.NewStreamableHTTPServer(s.mcpServer, mcpserver.WithStateLess(true))
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP transport, guarded by the API key
// when one is configured.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, s.http)
}
