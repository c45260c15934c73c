package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolHandler handles one tool call.
type ToolHandler = func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ToolDefinition describes a tool and its handler.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []mcp.ToolOption
	Handler     ToolHandler
}

// Registry holds the tools served by a Server.
type Registry struct {
	tools map[string]*ToolDefinition
	mu    sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*ToolDefinition),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(def *ToolDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns the registered tool names in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// RegisterWithServer adds every tool to s.
func (r *Registry) RegisterWithServer(s *server.MCPServer) {
	for _, name := range r.List() {
		def, _ := r.Get(name)
		opts := append([]mcp.ToolOption{
			mcp.WithDescription(def.Description),
		}, def.Parameters...)
		s.AddTool(mcp.NewTool(def.Name, opts...), def.Handler)
	}
}
