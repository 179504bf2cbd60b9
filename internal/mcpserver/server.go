package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all admin tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("lootvault-admin", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolReadConversation, h.HandleReadConversation)
	s.AddTool(ToolPostMessage, h.HandlePostMessage)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolListPendingSettlements, h.HandleListPendingSettlements)
	s.AddTool(ToolRetrySettlement, h.HandleRetrySettlement)
	s.AddTool(ToolReconciliation, h.HandleReconciliation)
	s.AddTool(ToolGetBalance, h.HandleGetBalance)
	s.AddTool(ToolAdminOverview, h.HandleAdminOverview)

	return s
}
