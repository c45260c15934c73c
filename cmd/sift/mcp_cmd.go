package main

import (
	"context"
	"time"

	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/mcp"
	"github.com/fentz26/sift/internal/progress"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve research tools over MCP on stdio",
	Long: `Runs an MCP server on stdin/stdout exposing start_research, research_status,
cancel_research, resume_research and list_research. Sessions run in this
process; logs go to stderr or --log-file.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := newEngine(context.Background(), cfg, progress.Log{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	}()

	srv, err := mcp.NewServer(eng.service, controlplane.Version)
	if err != nil {
		return err
	}
	return srv.ServeStdio()
}
