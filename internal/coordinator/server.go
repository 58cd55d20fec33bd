package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
)

// MCPServer exposes operator tools over the Model Context Protocol
type MCPServer struct {
	server   *server.MCPServer
	tasks    *TaskCoordinator
	registry *Registry
	logger   *zap.Logger
}

// MCPConfig holds configuration for the MCP server
type MCPConfig struct {
	Name    string
	Version string
}

// sessionView is one line of the session listing
type sessionView struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Tier         string    `json:"tier"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NewMCPServer creates and configures a new MCP server
func NewMCPServer(cfg MCPConfig, tasks *TaskCoordinator, registry *Registry, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	ms := &MCPServer{
		server:   mcpServer,
		tasks:    tasks,
		registry: registry,
		logger:   logger,
	}
	ms.registerTools()
	return ms
}

func (ms *MCPServer) registerTools() {
	getStatus := mcp.NewTool(config.ToolGetStatus,
		mcp.WithDescription("Get the status, progress and results of a research task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task identifier"),
		),
	)
	ms.server.AddTool(getStatus, ms.handleGetStatus)

	cancel := mcp.NewTool(config.ToolCancel,
		mcp.WithDescription("Cancel a research task on behalf of its owner"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task identifier"),
		),
	)
	ms.server.AddTool(cancel, ms.handleCancel)

	listSessions := mcp.NewTool(config.ToolListSessions,
		mcp.WithDescription("List the client sessions connected to this instance"),
	)
	ms.server.AddTool(listSessions, ms.handleListSessions)
}

func (ms *MCPServer) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := ms.tasks.Get(ctx, taskID)
	if err != nil {
		return ms.toolError(taskID, err), nil
	}
	return jsonResult(newTaskStatusView(task))
}

func (ms *MCPServer) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, changed, err := ms.tasks.Cancel(ctx, taskID, "")
	if err != nil {
		return ms.toolError(taskID, err), nil
	}
	ms.logger.Info("Operator cancel", zap.String("task_id", taskID), zap.Bool("changed", changed))
	if !changed {
		return mcp.NewToolResultText(fmt.Sprintf(config.MsgTaskAlreadyTerminal, taskID, task.Status)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(config.MsgTaskCancelled, taskID)), nil
}

func (ms *MCPServer) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := ms.registry.Sessions()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			SessionID:    s.ID,
			UserID:       s.UserID,
			Tier:         s.Tier,
			ConnectedAt:  s.ConnectedAt,
			LastActivity: s.LastActivity,
		})
	}
	return jsonResult(out)
}

func (ms *MCPServer) toolError(taskID string, err error) *mcp.CallToolResult {
	if protocol.IsCode(err, protocol.CodeNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrTaskNotFound, taskID))
	}
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Code != protocol.CodeServerError {
		return mcp.NewToolResultError(pe.Code.Message())
	}
	ms.logger.Error("Tool call failed", zap.String("task_id", taskID), zap.Error(err))
	return mcp.NewToolResultError(config.ErrStateUnavailable)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
