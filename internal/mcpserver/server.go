package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all registry tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("magic8ball", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetQuestion, h.HandleGetQuestion)
	s.AddTool(ToolListQuestions, h.HandleListQuestions)
	s.AddTool(ToolCanAnswer, h.HandleCanAnswer)
	s.AddTool(ToolListEvents, h.HandleListEvents)
	s.AddTool(ToolTokenBalance, h.HandleTokenBalance)
	s.AddTool(ToolRegistryStatus, h.HandleRegistryStatus)

	return s
}
