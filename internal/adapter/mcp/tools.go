package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listAgentsTool(),
		s.agentHealthTool(),
		s.getTaskTool(),
		s.listSessionTasksTool(),
		s.cancelTaskTool(),
	)
}

func (s *Server) listAgentsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_agents",
		mcplib.WithDescription("List all registered A2A agents with their cards"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListAgents,
	}
}

func (s *Server) agentHealthTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("agent_health",
		mcplib.WithDescription("Get circuit and probe state of one agent, or of all agents when agent_id is omitted"),
		mcplib.WithString("agent_id",
			mcplib.Description("The agent ID to inspect"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleAgentHealth,
	}
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Get a task with its transition history by task ID"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetTask,
	}
}

func (s *Server) listSessionTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_session_tasks",
		mcplib.WithDescription("List the tasks of a session in creation order"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListSessionTasks,
	}
}

func (s *Server) cancelTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_task",
		mcplib.WithDescription("Cancel a task that has not settled yet"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to cancel"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleCancelTask,
	}
}

func (s *Server) handleListAgents(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Agents == nil {
		return mcplib.NewToolResultError("agent registry not configured"), nil
	}
	return toolResultJSON(s.deps.Agents.List(), "agents")
}

func (s *Server) handleAgentHealth(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Health == nil {
		return mcplib.NewToolResultError("health supervisor not configured"), nil
	}
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return toolResultJSON(s.deps.Health.Records(), "health records")
	}
	rec, err := s.deps.Health.Record(agentID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get health of agent %s", agentID), err,
		), nil
	}
	return toolResultJSON(rec, "health record")
}

func (s *Server) handleGetTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get task %s", taskID), err,
		), nil
	}
	return toolResultJSON(t, "task")
}

func (s *Server) handleListSessionTasks(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	return toolResultJSON(s.deps.Tasks.ListBySession(ctx, sessionID), "tasks")
}

func (s *Server) handleCancelTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task service not configured"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.Tasks.Cancel(ctx, taskID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to cancel task %s", taskID), err,
		), nil
	}
	return toolResultJSON(t, "task")
}

// toolResultJSON marshals v into a text result.
func toolResultJSON(v any, what string) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
