package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which tool
// to use. Amounts are integer strings in the asset's smallest unit.

var ToolListListings = mcp.NewTool("list_listings",
	mcp.WithDescription(
		"List property-token listings on the Blocki marketplace with amount, unit price and status. "+
			"Use this to find tokens for sale before quoting or buying."),
	mcp.WithString("asset",
		mcp.Description("Only show listings of this property token (0x address)")),
	mcp.WithBoolean("active_only",
		mcp.Description("Hide cancelled and completed listings (default true)")),
)

var ToolGetListing = mcp.NewTool("get_listing",
	mcp.WithDescription("Get one marketplace listing by id."),
	mcp.WithNumber("listing_id",
		mcp.Required(),
		mcp.Description("Listing id")),
)

var ToolPriceHistory = mcp.NewTool("price_history",
	mcp.WithDescription(
		"Recent trades of a property token, oldest first. Each trade shows amount, unit price, buyer and seller."),
	mcp.WithString("asset",
		mcp.Required(),
		mcp.Description("Property token address (0x...)")),
)

var ToolMarketCap = mcp.NewTool("market_cap",
	mcp.WithDescription("Total value of all active listings (amount times unit price, summed) in the quote asset."),
)

var ToolSwapQuote = mcp.NewTool("swap_quote",
	mcp.WithDescription("Quote how much of token_out a swap of amount_in of token_in would return."),
	mcp.WithString("token_in",
		mcp.Required(),
		mcp.Description("Input token address (0x...)")),
	mcp.WithString("token_out",
		mcp.Required(),
		mcp.Description("Output token address (0x...)")),
	mcp.WithString("amount_in",
		mcp.Required(),
		mcp.Description("Input amount as an integer string")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Get an escrow record: parties, locked amount, status and refund deadline."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check how much of a token an address holds."),
	mcp.WithString("asset",
		mcp.Required(),
		mcp.Description("Token address (0x...)")),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Holder address (0x...)")),
)

var ToolRecentEvents = mcp.NewTool("recent_events",
	mcp.WithDescription(
		"Committed ledger events such as purchase, list_new, esc_lock, esc_rel, esc_ref and transfer."),
	mcp.WithString("topic",
		mcp.Description("Only events with this topic")),
	mcp.WithString("subject",
		mcp.Description("Only events involving this address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events (default 20)")),
)

var ToolCustodyAudit = mcp.NewTool("custody_audit",
	mcp.WithDescription(
		"Latest custody reconciliation: whether escrow and marketplace balances cover every open escrow and "+
			"active listing, plus locked escrows past their refund deadline."),
)
