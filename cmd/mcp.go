package cmd

import (
	"context"
	"errors"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/thinkflow/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Clients drive thinking sessions through the three-call workflow:
discover_techniques, plan_thinking_session, then execute_thinking_step
once per step. Configure in your client with:

  {
    "mcpServers": {
      "thinkflow": { "command": "thinkflow", "args": ["mcp"] }
    }
  }

Logs go to log.file, never to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	rt.logger.Info("mcp server starting", "version", buildVersion)

	sweep := rt.engine.Store().SweepJob()
	sweep.Start(ctx)
	cleanup := rt.engine.Groups().CleanupJob()
	cleanup.Start(ctx)

	serveErr := mcp.NewServer(rt.service, buildVersion).ServeStdio(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	sweep.Stop()
	cleanup.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Close(flushCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
