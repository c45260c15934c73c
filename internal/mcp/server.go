package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool names.
const (
	ToolStart  = "start_research"
	ToolStatus = "research_status"
	ToolCancel = "cancel_research"
	ToolResume = "resume_research"
	ToolList   = "list_research"
)

// maxWait bounds how long start_research blocks when asked to wait.
const maxWait = 30 * time.Minute

// Server serves research control tools over MCP.
type Server struct {
	control  Control
	registry *Registry
	mcp      *server.MCPServer
}

// NewServer creates an MCP server over control.
func NewServer(control Control, version string) (*Server, error) {
	s := &Server{
		control:  control,
		registry: NewRegistry(),
		mcp: server.NewMCPServer(
			"sift",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	for _, def := range s.tools() {
		if err := s.registry.Register(def); err != nil {
			return nil, err
		}
	}
	s.registry.RegisterWithServer(s.mcp)
	return s, nil
}

// Registry returns the registered tools.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	log.Printf("Serving %d MCP tools on stdio", s.registry.Count())
	return server.ServeStdio(s.mcp)
}

func (s *Server) tools() []*ToolDefinition {
	return []*ToolDefinition{
		{
			Name:        ToolStart,
			Description: "Start a research session: decompose the query, research subtasks in parallel and produce a cited report",
			Parameters: []mcp.ToolOption{
				mcp.WithString("query", mcp.Required(), mcp.Description("Research question")),
				mcp.WithNumber("concurrency_limit", mcp.Description("Maximum tasks running at once"), mcp.Min(1)),
				mcp.WithNumber("retry_attempts", mcp.Description("Attempts per task before it is abandoned"), mcp.Min(1)),
				mcp.WithNumber("task_timeout_seconds", mcp.Description("Timeout for one task attempt"), mcp.Min(1)),
				mcp.WithNumber("session_deadline_seconds", mcp.Description("Deadline for the whole session"), mcp.Min(1)),
				mcp.WithBoolean("wait", mcp.Description("Block until the session finishes and return its report"), mcp.DefaultBool(false)),
			},
			Handler: s.handleStart,
		},
		{
			Name:        ToolStatus,
			Description: "Get the status, tasks and report of a research session",
			Parameters: []mcp.ToolOption{
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
			},
			Handler: s.handleStatus,
		},
		{
			Name:        ToolCancel,
			Description: "Cancel a running research session",
			Parameters: []mcp.ToolOption{
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
			},
			Handler: s.handleCancel,
		},
		{
			Name:        ToolResume,
			Description: "Resume an interrupted research session from its latest checkpoint",
			Parameters: []mcp.ToolOption{
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
			},
			Handler: s.handleResume,
		},
		{
			Name:        ToolList,
			Description: "List known research sessions, most recent first",
			Handler:     s.handleList,
		},
	}
}

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid query: %v", err)), nil
	}

	opts := &models.Options{
		ConcurrencyLimit: int(req.GetFloat("concurrency_limit", 0)),
		RetryAttempts:    int(req.GetFloat("retry_attempts", 0)),
		TaskTimeout:      seconds(req.GetFloat("task_timeout_seconds", 0)),
		SessionDeadline:  seconds(req.GetFloat("session_deadline_seconds", 0)),
	}

	id, err := s.control.Start(ctx, query, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !req.GetBool("wait", false) {
		return jsonResult(map[string]string{"session_id": id, "status": string(models.SessionStatusPlanning)})
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	session, err := s.control.Wait(waitCtx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session %s still running: %v", id, err)), nil
	}
	return jsonResult(statusResult(session))
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}
	session, err := s.control.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(statusResult(session))
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}
	if err := s.control.Cancel(id); err != nil {
		if errors.Is(err, controlplane.ErrAlreadyFinished) {
			return mcp.NewToolResultText(fmt.Sprintf("Session %s has already finished.", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Cancelling session %s.", id)), nil
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}
	resumed, err := s.control.Resume(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"session_id": resumed, "status": "resumed"})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.control.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No research sessions found. Use start_research to begin one."), nil
	}
	return jsonResult(sessions)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func seconds(f float64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
