package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yencolon/human-in-the-loop-chat/internal/tools"
	toolsesc "github.com/yencolon/human-in-the-loop-chat/internal/tools/escalation"
	mcptools "github.com/yencolon/human-in-the-loop-chat/internal/tools/mcp"
)

var mcpServe bool

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the ask_human tool over MCP (stdio)",
	Long: `Runs a Model Context Protocol server on stdin and stdout. An MCP client
calling ask_human blocks until the Slack reviewer decides.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpServe, "serve", false, "also serve the webhook from this process")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if mcpServe {
		stopGateway, err := serveInProcess(ctx, sc)
		if err != nil {
			return err
		}
		defer stopGateway()
	} else if !sc.Durable() {
		return errors.New("memory storage needs --serve: no other process can receive the decision")
	}

	reg := tools.NewRegistry()
	reg.Register(toolsesc.NewAskHumanTool(sc.Orchestrator, logger))

	srv, err := mcptools.NewServer("hitl", version, reg, logger)
	if err != nil {
		return err
	}
	return srv.ServeStdio()
}
