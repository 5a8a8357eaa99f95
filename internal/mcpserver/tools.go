package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/dto"
	"github.com/taskstream/taskstream/internal/task/service"
)

func registerTools(s *server.MCPServer, svc *service.Service, log *logger.Logger) {
	// Get Task Status tool
	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Get the current status of a task, including its result or error once finished."),
			mcp.WithString("client_id",
				mcp.Required(),
				mcp.Description("The client id half of the task key"),
			),
			mcp.WithString("request_id",
				mcp.Required(),
				mcp.Description("The request id half of the task key"),
			),
		),
		getTaskStatusHandler(svc, log),
	)

	// List Tasks tool
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List all tasks of a client, newest first"),
			mcp.WithString("client_id",
				mcp.Required(),
				mcp.Description("The client id to list tasks for"),
			),
		),
		listTasksHandler(svc, log),
	)

	// Post Progress tool
	s.AddTool(
		mcp.NewTool("post_progress",
			mcp.WithDescription(
				"Post a progress note to a running task's event stream. "+
					"Use this to surface intermediate findings or status to anyone watching the task.",
			),
			mcp.WithString("client_id",
				mcp.Required(),
				mcp.Description("The client id half of the task key"),
			),
			mcp.WithString("request_id",
				mcp.Required(),
				mcp.Description("The request id half of the task key"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The progress text to publish"),
			),
		),
		postProgressHandler(svc, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func getTaskStatusHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Get(clientID, requestID)
		if err != nil {
			log.WithTaskKey(clientID, requestID).Debug("get_task_status failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(dto.FromTask(task), "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listTasksHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		tasks := svc.ListByClient(clientID)
		taskDTOs := make([]dto.TaskDTO, 0, len(tasks))
		for _, task := range tasks {
			taskDTOs = append(taskDTOs, dto.FromTask(task))
		}

		formatted, _ := json.MarshalIndent(dto.ListTasksResponse{
			Tasks: taskDTOs,
			Total: len(tasks),
		}, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func postProgressHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		id, err := svc.PostProgress(clientID, requestID, text)
		if err != nil {
			log.WithTaskKey(clientID, requestID).Debug("post_progress failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to post progress: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Progress recorded as event %d", id)), nil
	}
}
