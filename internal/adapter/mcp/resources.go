package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	agentsURI = "switchboard://agents"
	healthURI = "switchboard://health"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agent Registry",
			mcplib.WithResourceDescription("Registered A2A agents and their cards"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			healthURI,
			"Agent Health",
			mcplib.WithResourceDescription("Circuit breaker and probe state of every agent"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealthResource,
	)
}

func (s *Server) handleAgentsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Agents == nil {
		return jsonContents(req.Params.URI, map[string]string{"error": "agent registry not configured"})
	}
	return jsonContents(req.Params.URI, s.deps.Agents.List())
}

func (s *Server) handleHealthResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Health == nil {
		return jsonContents(req.Params.URI, map[string]string{"error": "health supervisor not configured"})
	}
	return jsonContents(req.Params.URI, s.deps.Health.Records())
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
