package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

type listing struct {
	ID           uint64 `json:"id"`
	Seller       string `json:"seller"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	PricePerUnit string `json:"pricePerUnit"`
	Status       string `json:"status"`
}

type trade struct {
	ListingID uint64 `json:"listingId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
}

// HandleListListings lists marketplace listings.
func (h *Handlers) HandleListListings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := req.GetString("asset", "")
	activeOnly := req.GetBool("active_only", true)

	raw, err := h.client.ListListings(ctx, asset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list listings: %v", err)), nil
	}

	text, err := formatListings(raw, activeOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse listings: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetListing fetches one listing.
func (h *Handlers) HandleGetListing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "listing_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetListing(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get listing: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandlePriceHistory lists recent trades of one asset.
func (h *Handlers) HandlePriceHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := req.GetString("asset", "")
	if asset == "" {
		return mcp.NewToolResultError("asset is required"), nil
	}

	raw, err := h.client.PriceHistory(ctx, asset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get price history: %v", err)), nil
	}

	text, err := formatTrades(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trades: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleMarketCap reports the total value of active listings.
func (h *Handlers) HandleMarketCap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.MarketCap(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get market cap: %v", err)), nil
	}

	var resp struct {
		MarketCap string `json:"marketCap"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse market cap: %v", err)), nil
	}
	return mcp.NewToolResultText("Market cap: " + resp.MarketCap), nil
}

// HandleSwapQuote prices a swap.
func (h *Handlers) HandleSwapQuote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenIn := req.GetString("token_in", "")
	tokenOut := req.GetString("token_out", "")
	amountIn := req.GetString("amount_in", "")
	if tokenIn == "" || tokenOut == "" || amountIn == "" {
		return mcp.NewToolResultError("token_in, token_out and amount_in are required"), nil
	}

	raw, err := h.client.SwapQuote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote swap: %v", err)), nil
	}

	var resp struct {
		AmountOut string `json:"amountOut"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Swapping %s of %s returns %s of %s", amountIn, tokenIn, resp.AmountOut, tokenOut)), nil
}

// HandleGetEscrow fetches one escrow record.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleCheckBalance reports a token holding.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := req.GetString("asset", "")
	address := req.GetString("address", "")
	if asset == "" || address == "" {
		return mcp.NewToolResultError("asset and address are required"), nil
	}

	raw, err := h.client.Balance(ctx, asset, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Balance   string `json:"balance"`
		Formatted string `json:"formatted"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Balance: %s (%s base units)", resp.Formatted, resp.Balance)), nil
}

// HandleRecentEvents lists committed events.
func (h *Handlers) HandleRecentEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic := req.GetString("topic", "")
	subject := req.GetString("subject", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.RecentEvents(ctx, topic, subject, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get events: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

func requireID(req mcp.CallToolRequest, key string) (uint64, *mcp.CallToolResult) {
	id := req.GetInt(key, -1)
	if id < 0 {
		return 0, mcp.NewToolResultError(key + " is required and must not be negative")
	}
	return uint64(id), nil
}

type auditReport struct {
	Healthy    bool `json:"healthy"`
	Mismatches []struct {
		Custodian string `json:"custodian"`
		Asset     string `json:"asset"`
		Kind      string `json:"kind"`
		Expected  string `json:"expected"`
		Actual    string `json:"actual"`
	} `json:"mismatches"`
	LockedEscrows   int      `json:"lockedEscrows"`
	TimedOutEscrows []uint64 `json:"timedOutEscrows"`
	ActiveListings  int      `json:"activeListings"`
	Timestamp       string   `json:"timestamp"`
}

// HandleCustodyAudit summarizes the latest reconciliation report.
func (h *Handlers) HandleCustodyAudit(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.LastAudit(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get custody audit: %v", err)), nil
	}
	var rep auditReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse custody audit: %v", err)), nil
	}

	var sb strings.Builder
	status := "healthy"
	if !rep.Healthy {
		status = "DEFICIT"
	}
	fmt.Fprintf(&sb, "Custody %s as of %s: %d locked escrow(s), %d active listing(s).",
		status, rep.Timestamp, rep.LockedEscrows, rep.ActiveListings)
	for _, m := range rep.Mismatches {
		fmt.Fprintf(&sb, "\n%s %s of %s: expected %s, holds %s", m.Custodian, m.Kind, m.Asset, m.Expected, m.Actual)
	}
	if len(rep.TimedOutEscrows) > 0 {
		fmt.Fprintf(&sb, "\nEscrows past refund deadline: %v", rep.TimedOutEscrows)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ============================================================
// Formatting helpers
// ============================================================

func formatListings(raw json.RawMessage, activeOnly bool) (string, error) {
	var resp struct {
		Listings []listing `json:"listings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var shown []listing
	for _, l := range resp.Listings {
		if activeOnly && l.Status != "active" {
			continue
		}
		shown = append(shown, l)
	}
	if len(shown) == 0 {
		return "No listings found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d listing(s):\n", len(shown))
	for _, l := range shown {
		fmt.Fprintf(&sb, "\n#%d  %s units of %s at %s each  [%s]\n    seller: %s",
			l.ID, l.Amount, l.Asset, l.PricePerUnit, l.Status, l.Seller)
	}
	return sb.String(), nil
}

func formatTrades(raw json.RawMessage) (string, error) {
	var resp struct {
		Trades []trade `json:"trades"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Trades) == 0 {
		return "No trades recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d trade(s), oldest first:\n", len(resp.Trades))
	for _, t := range resp.Trades {
		fmt.Fprintf(&sb, "\nlisting #%d: %s units at %s  (t=%d)\n    %s -> %s",
			t.ListingID, t.Amount, t.Price, t.Timestamp, t.Seller, t.Buyer)
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw text.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
