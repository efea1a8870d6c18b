package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipelined tools over MCP on stdio",
		Long: `Serve MCP on stdin/stdout. Every tool call is delegated to the
pipelined daemon at --server, so several sessions can share one daemon.

Example MCP client configuration:
  {"command": "pipectl", "args": ["mcp", "--server", "http://localhost:9191"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Development loggers write to stderr; stdout carries the protocol.
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			srv, err := mcp.NewServer(&mcp.Config{Version: version, Logger: logger}, apiClient())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "pipectl mcp started (delegating to daemon at %s)\n", serverURL)
			return srv.Run(cmd.Context())
		},
	}
}
