// Package mcp implements the Model Context Protocol server for Kensa.
//
// MCP clients get the same query pipeline as the HTTP API: tools to run and
// validate queries, and resources for the workspace quota and past
// executions. The workspace comes from the request scope set by the HTTP
// middleware.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/service/query"
)

// Server wraps the MCP server with Kensa's query service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *query.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *query.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kensa",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// workspace returns the caller's workspace, or an error result when the
// request was not scoped.
func workspace(ctx context.Context) (string, *mcplib.CallToolResult) {
	ws := ctxutil.WorkspaceIDFromContext(ctx)
	if ws == "" {
		return "", errorResult("no workspace in request scope")
	}
	return ws, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result")
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
