package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all QShield tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("qshield", "0.1.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAnalyzeTransaction, h.HandleAnalyzeTransaction)
	s.AddTool(ToolAnalyzeContract, h.HandleAnalyzeContract)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolTransactionHistory, h.HandleTransactionHistory)
	s.AddTool(ToolSecurityDashboard, h.HandleSecurityDashboard)
	s.AddTool(ToolVerifyAttestation, h.HandleVerifyAttestation)
	s.AddTool(ToolNetworkStatus, h.HandleNetworkStatus)

	return s
}
