// Package mcp serves the tool registry over the Model Context Protocol so an
// MCP-capable agent can call ask_human directly. Each registered tool becomes
// an MCP tool with the same name, description and input schema.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yencolon/human-in-the-loop-chat/internal/tools"
)

// Server wraps an MCP server exposing the tools of a registry.
type Server struct {
	mcp    *server.MCPServer
	names  []string
	logger *slog.Logger
}

// NewServer registers every tool of reg on a new MCP server.
func NewServer(name, version string, reg *tools.Registry, logger *slog.Logger) (*Server, error) {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	names := make([]string, 0)
	for _, t := range reg.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding input schema of %s: %w", t.Name(), err)
		}
		s.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), handlerFor(t, logger))
		names = append(names, t.Name())
	}

	return &Server{mcp: s, names: names, logger: logger}, nil
}

// ServeStdio serves MCP over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting", slog.String("transport", "stdio"), slog.Any("tools", s.names))
	return server.ServeStdio(s.mcp)
}

// handlerFor adapts a tool to an MCP tool handler. Tool failures are
// reported as error results so the calling model can see them.
func handlerFor(t tools.Tool, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}
		if err := t.Validate(params); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		logger.InfoContext(ctx, "mcp tool executing", slog.String("tool", t.Name()))
		res, err := t.Execute(ctx, params)
		if err != nil {
			logger.WarnContext(ctx, "mcp tool failed",
				slog.String("tool", t.Name()),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}
