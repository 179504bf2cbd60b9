package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace admin MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List dispute cases on marketplace orders. "+
			"Returns the order id, the buyer's reason, when it was opened and which admin is mediating. "+
			"Use this to find disputes that still need a verdict."),
	mcp.WithString("status",
		mcp.Description("Filter by dispute status (default 'open')"),
		mcp.Enum("open", "resolved", "all")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get an order with its status, amount, delivery and protection-window deadlines. "+
			"If the order is disputed the dispute case is included."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolReadConversation = mcp.NewTool("read_conversation",
	mcp.WithDescription(
		"Read the buyer/seller conversation of an order without joining it. "+
			"Reading never notifies the parties. Use this to review evidence before posting or deciding."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of most recent messages (default 200)")),
)

var ToolPostMessage = mcp.NewTool("post_message",
	mcp.WithDescription(
		"Post a message into an order conversation as an admin. "+
			"The first admin message makes the admin a visible participant and the dispute's mediator."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithString("body",
		mcp.Required(),
		mcp.Description("Message text (max 2000 characters)")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Issue a verdict on an open dispute. This moves money and cannot be undone. "+
			"'buyer_favor' refunds the buyer in full, 'seller_favor' releases the payment to the seller minus commission, "+
			"'split' refunds refund_amount to the buyer and releases the rest."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The disputed order ID")),
	mcp.WithString("verdict",
		mcp.Required(),
		mcp.Description("The decision"),
		mcp.Enum("buyer_favor", "seller_favor", "split")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation shown to both parties")),
	mcp.WithString("refund_amount",
		mcp.Description("Buyer refund for split verdicts, strictly between 0 and the order amount (e.g. '12.50')")),
)

var ToolListPendingSettlements = mcp.NewTool("list_pending_settlements",
	mcp.WithDescription(
		"List orders whose buyer refund failed at the payment processor and is waiting for a retry."),
)

var ToolRetrySettlement = mcp.NewTool("retry_settlement",
	mcp.WithDescription(
		"Retry the processor refund of an order with a pending settlement. "+
			"Safe to call repeatedly: the refund is idempotent per order."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolReconciliation = mcp.NewTool("reconciliation_report",
	mcp.WithDescription(
		"Get the ledger reconciliation report: escrow holds versus held orders, stuck refunds, "+
			"and completed orders whose settlement does not add up."),
	mcp.WithBoolean("rerun",
		mcp.Description("Run the checks now instead of returning the last report")),
)

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Get a user's marketplace balance: available funds, escrow holds and total refunds."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID, or 'platform' for collected commission")),
)

var ToolAdminOverview = mcp.NewTool("admin_overview",
	mcp.WithDescription(
		"Get the operator backlog: open disputes and the oldest one, refunds still pending, "+
			"and whether the last reconciliation was healthy."),
)
