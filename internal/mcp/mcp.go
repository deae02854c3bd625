// Package mcp implements the Model Context Protocol server for kensa.
//
// The MCP server exposes the benchmark control surface through tools and
// resources so MCP-compatible agents can list artifacts, start runs, follow
// their progress and read graded results.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/service/control"
)

// Server wraps the MCP server with kensa's control service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *control.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts
// and tools.
func New(svc *control.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kensa",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
