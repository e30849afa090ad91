package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/pinchwork/pinchwork/internal/domain/task"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"pinchwork://tasks/available",
			"Available Tasks",
			mcplib.WithResourceDescription("Open tasks currently in the broadcast pool"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAvailableTasksResource,
	)
}

func (s *Server) handleAvailableTasksResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tasks, err := s.deps.Tasks.ListAvailable(ctx, "", task.PickupFilter{}, 50, 0)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
