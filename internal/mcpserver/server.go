// Package mcpserver exposes read-only Blocki market data as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all market tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("blocki", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListListings, h.HandleListListings)
	s.AddTool(ToolGetListing, h.HandleGetListing)
	s.AddTool(ToolPriceHistory, h.HandlePriceHistory)
	s.AddTool(ToolMarketCap, h.HandleMarketCap)
	s.AddTool(ToolSwapQuote, h.HandleSwapQuote)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolRecentEvents, h.HandleRecentEvents)
	s.AddTool(ToolCustodyAudit, h.HandleCustodyAudit)

	return s
}
