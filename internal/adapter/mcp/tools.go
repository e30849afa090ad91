package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/task"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.registerAgentTool(),
		s.postTaskTool(),
		s.listAvailableTool(),
		s.pickupTool(),
		s.getTaskTool(),
		s.deliverTool(),
		s.approveTool(),
		s.rejectTool(),
		s.cancelTool(),
		s.abandonTool(),
		s.rateTool(),
		s.getCreditsTool(),
	)
}

func (s *Server) registerAgentTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("register_agent",
		mcplib.WithDescription("Register a new agent. Returns the agent record and a one-time API key; store the key, it cannot be recovered."),
		mcplib.WithString("name",
			mcplib.Required(),
			mcplib.Description("Display name for the agent"),
		),
		mcplib.WithString("capabilities",
			mcplib.Description("Free-text description of what the agent can do"),
		),
		mcplib.WithBoolean("accepts_system_tasks",
			mcplib.Description("Opt in to matching, verification and capability-extraction work"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleRegisterAgent}
}

func (s *Server) postTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("post_task",
		mcplib.WithDescription("Post a task to the marketplace. Max credits move into escrow until settlement."),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("need", mcplib.Required(), mcplib.Description("What the task requires")),
		mcplib.WithString("context", mcplib.Description("Extra material the worker needs")),
		mcplib.WithNumber("max_credits", mcplib.Required(), mcplib.Description("Most the poster will pay")),
		mcplib.WithString("tags", mcplib.Description("Comma-separated tags")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handlePostTask}
}

func (s *Server) listAvailableTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_available_tasks",
		mcplib.WithDescription("Preview open tasks without claiming any"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("tags", mcplib.Description("Comma-separated tags to filter by")),
		mcplib.WithString("query", mcplib.Description("Substring to match against task needs")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListAvailable}
}

func (s *Server) pickupTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("pickup_task",
		mcplib.WithDescription("Claim the best available task for the caller, or report that none is available"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Description("Claim this specific task instead of arbitrating")),
		mcplib.WithString("tags", mcplib.Description("Comma-separated tags to filter by")),
		mcplib.WithString("query", mcplib.Description("Substring to match against task needs")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handlePickup}
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Fetch a task the caller posted or works on. A wait value long-polls for a terminal status."),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
		mcplib.WithNumber("wait", mcplib.Description("Seconds to wait for a terminal status")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTask}
}

func (s *Server) deliverTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("deliver_task",
		mcplib.WithDescription("Submit the result for a claimed task"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
		mcplib.WithString("result", mcplib.Required(), mcplib.Description("The work product")),
		mcplib.WithNumber("credits_claimed", mcplib.Description("Credits the worker asks for, up to the task's max")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleDeliver}
}

func (s *Server) approveTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("approve_task",
		mcplib.WithDescription("Accept a delivery and settle credits to the worker. A score also rates the worker."),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
		mcplib.WithNumber("score", mcplib.Description("Optional rating, 1-5")),
		mcplib.WithString("comment", mcplib.Description("Optional rating comment")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleApprove}
}

func (s *Server) rejectTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("reject_task",
		mcplib.WithDescription("Send a delivery back to the worker with a reason"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
		mcplib.WithString("reason", mcplib.Required(), mcplib.Description("Why the delivery falls short")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleReject}
}

func (s *Server) cancelTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_task",
		mcplib.WithDescription("Withdraw an unclaimed task and refund its escrow"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancel}
}

func (s *Server) abandonTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("abandon_task",
		mcplib.WithDescription("Release the caller's claim and reopen the task"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAbandon}
}

func (s *Server) rateTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("rate_task",
		mcplib.WithDescription("Rate the counterparty on a settled task"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("Task ID")),
		mcplib.WithNumber("score", mcplib.Required(), mcplib.Description("Rating, 1-5")),
		mcplib.WithString("comment", mcplib.Description("Optional comment")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleRate}
}

func (s *Server) getCreditsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_credits",
		mcplib.WithDescription("Get the caller's balance, escrow and recent ledger entries"),
		mcplib.WithString("api_key", mcplib.Required(), mcplib.Description("Caller's API key")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetCredits}
}

// caller resolves the api_key argument to its agent.
func (s *Server) caller(ctx context.Context, req mcplib.CallToolRequest) (*agent.Agent, *mcplib.CallToolResult) {
	key, _ := req.GetArguments()["api_key"].(string)
	if key == "" {
		return nil, mcplib.NewToolResultError("api_key is required")
	}
	a, err := s.deps.Agents.Authenticate(ctx, key)
	if err != nil {
		return nil, mcplib.NewToolResultError("invalid api key")
	}
	return a, nil
}

func (s *Server) handleRegisterAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	name, _ := args["name"].(string)
	capabilities, _ := args["capabilities"].(string)
	acceptsSystem, _ := args["accepts_system_tasks"].(bool)

	registered, err := s.deps.Agents.Register(ctx, &agent.RegisterRequest{
		Name:               name,
		Capabilities:       capabilities,
		AcceptsSystemTasks: acceptsSystem,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to register agent", err), nil
	}
	return toolResultJSON(registered)
}

func (s *Server) handlePostTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	need, _ := args["need"].(string)
	taskContext, _ := args["context"].(string)
	maxCredits, _ := args["max_credits"].(float64)
	tags, _ := args["tags"].(string)

	created, err := s.deps.Tasks.Create(ctx, a.ID, &task.CreateRequest{
		Need:       need,
		Context:    taskContext,
		MaxCredits: int64(maxCredits),
		Tags:       splitTags(tags),
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to post task", err), nil
	}
	return toolResultJSON(created)
}

func (s *Server) handleListAvailable(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	tasks, err := s.deps.Tasks.ListAvailable(ctx, a.ID, pickupFilter(req), 50, 0)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list tasks", err), nil
	}
	return toolResultJSON(tasks)
}

func (s *Server) handlePickup(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	var (
		claimed *task.Task
		err     error
	)
	if taskID, _ := req.GetArguments()["task_id"].(string); taskID != "" {
		claimed, err = s.deps.Tasks.PickupSpecific(ctx, a.ID, taskID)
	} else {
		claimed, err = s.deps.Tasks.Pickup(ctx, a.ID, pickupFilter(req))
	}
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("no task claimed", err), nil
	}
	return toolResultJSON(claimed)
}

func (s *Server) handleGetTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	taskID, _ := args["task_id"].(string)
	wait, _ := args["wait"].(float64)

	t, err := s.deps.Tasks.Get(ctx, taskID, a.ID, time.Duration(wait)*time.Second)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleDeliver(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	taskID, _ := args["task_id"].(string)
	result, _ := args["result"].(string)
	creditsClaimed, _ := args["credits_claimed"].(float64)

	t, err := s.deps.Tasks.Deliver(ctx, taskID, a.ID, &task.DeliverRequest{
		Result:         result,
		CreditsClaimed: int64(creditsClaimed),
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to deliver task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleApprove(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	taskID, _ := args["task_id"].(string)
	score, _ := args["score"].(float64)
	comment, _ := args["comment"].(string)

	t, err := s.deps.Tasks.Approve(ctx, taskID, a.ID, int(score), comment)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to approve task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleReject(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	taskID, _ := args["task_id"].(string)
	reason, _ := args["reason"].(string)

	t, err := s.deps.Tasks.Reject(ctx, taskID, a.ID, &task.RejectRequest{Reason: reason})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to reject task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleCancel(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	taskID, _ := req.GetArguments()["task_id"].(string)
	t, err := s.deps.Tasks.Cancel(ctx, taskID, a.ID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to cancel task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleAbandon(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	taskID, _ := req.GetArguments()["task_id"].(string)
	t, err := s.deps.Tasks.Abandon(ctx, taskID, a.ID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to abandon task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleRate(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	taskID, _ := args["task_id"].(string)
	score, _ := args["score"].(float64)
	comment, _ := args["comment"].(string)

	if err := s.deps.Tasks.Rate(ctx, taskID, a.ID, int(score), comment); err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to rate task", err), nil
	}
	return mcplib.NewToolResultText(`{"status":"rated"}`), nil
}

func (s *Server) handleGetCredits(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	a, errResult := s.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	credits, err := s.deps.Credits.GetCredits(ctx, a.ID, 50, 0)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get credits", err), nil
	}
	return toolResultJSON(credits)
}

func pickupFilter(req mcplib.CallToolRequest) task.PickupFilter { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	tags, _ := args["tags"].(string)
	query, _ := args["query"].(string)
	return task.PickupFilter{Tags: splitTags(tags), Query: query}
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
