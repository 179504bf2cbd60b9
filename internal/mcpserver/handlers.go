package mcpserver

import (
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

// HandleListDisputes lists dispute cases.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "open")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListDisputes(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetOrder returns an order and, when disputed, its dispute case.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}

	order, err := unwrap(raw, "order")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(formatOrder(order))
	if getString(order, "disputeRaisedAt") != "" {
		if draw, err := h.client.GetDispute(ctx, orderID); err == nil {
			if d, err := unwrap(draw, "dispute"); err == nil {
				sb.WriteString("\n")
				sb.WriteString(formatDispute(d))
			}
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReadConversation spectates an order conversation.
func (h *Handlers) HandleReadConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.ReadConversation(ctx, orderID, req.GetInt("limit", 200))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read conversation: %v", err)), nil
	}

	text, err := formatConversation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse conversation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePostMessage posts into an order conversation as the admin.
func (h *Handlers) HandlePostMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	body := strings.TrimSpace(req.GetString("body", ""))
	if orderID == "" || body == "" {
		return mcp.NewToolResultError("order_id and body are required"), nil
	}

	if _, err := h.client.PostMessage(ctx, orderID, body); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to post message: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message posted to order %s.", orderID)), nil
}

// HandleResolveDispute issues a verdict.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	verdict := req.GetString("verdict", "")
	reason := req.GetString("reason", "")
	refund := req.GetString("refund_amount", "")

	if orderID == "" || verdict == "" || reason == "" {
		return mcp.NewToolResultError("order_id, verdict and reason are required"), nil
	}
	switch verdict {
	case "buyer_favor", "seller_favor":
		if refund != "" {
			return mcp.NewToolResultError("refund_amount is only allowed for split verdicts"), nil
		}
	case "split":
		if refund == "" {
			return mcp.NewToolResultError("refund_amount is required for split verdicts"), nil
		}
	default:
		return mcp.NewToolResultError("verdict must be one of buyer_favor, seller_favor, split"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, orderID, verdict, reason, refund)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	order, _ := resp["order"].(map[string]any)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute on order %s resolved: %s\n", orderID, verdict)
	if order != nil {
		fmt.Fprintf(&sb, "Order status: %s\n", getString(order, "status"))
	}
	if getString(resp, "warning") == "settlement_pending" {
		sb.WriteString("Warning: the buyer refund failed at the processor and will be retried. " +
			"Use list_pending_settlements to follow up.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListPendingSettlements lists orders with an outstanding refund.
func (h *Handlers) HandleListPendingSettlements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPendingSettlements(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending settlements: %v", err)), nil
	}

	var resp struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlements: %v", err)), nil
	}
	if len(resp.Orders) == 0 {
		return mcp.NewToolResultText("No pending settlements."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d pending settlement(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s (%s) %s\n", i+1, getString(o, "id"), getString(o, "status"), getString(o, "amount"))
		if v, ok := getFloat(o, "settlementAttempts"); ok {
			fmt.Fprintf(&sb, "   Attempts: %.0f\n", v)
		}
		if e := getString(o, "settlementError"); e != "" {
			fmt.Fprintf(&sb, "   Last error: %s\n", e)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRetrySettlement retries one refund.
func (h *Handlers) HandleRetrySettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.RetrySettlement(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to retry settlement: %v", err)), nil
	}
	order, err := unwrap(raw, "order")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	if getString(order, "settlement") == "settled" {
		return mcp.NewToolResultText(fmt.Sprintf("Refund for order %s settled.", orderID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Refund for order %s is still pending.\nLast error: %s", orderID, getString(order, "settlementError"))), nil
}

// HandleReconciliation returns the reconciliation report.
func (h *Handlers) HandleReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconciliation(ctx, req.GetBool("rerun", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reconciliation report: %v", err)), nil
	}
	rep, err := unwrap(raw, "report")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	var sb strings.Builder
	if healthy, _ := rep["healthy"].(bool); healthy {
		sb.WriteString("Reconciliation: OK\n")
	} else {
		sb.WriteString("Reconciliation: DISCREPANCIES FOUND\n")
	}
	fmt.Fprintf(&sb, "  Ledger holds: %s\n", getString(rep, "ledgerPending"))
	fmt.Fprintf(&sb, "  Held orders:  %s\n", getString(rep, "heldOrders"))
	if v, ok := getFloat(rep, "stuckSettlements"); ok {
		fmt.Fprintf(&sb, "  Stuck refunds: %.0f\n", v)
	}
	if ids, ok := rep["settlementMismatches"].([]any); ok && len(ids) > 0 {
		fmt.Fprintf(&sb, "  Settlement mismatches: %d\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(&sb, "    - %v\n", id)
		}
	}
	if errs, ok := rep["errors"].([]any); ok {
		for _, e := range errs {
			fmt.Fprintf(&sb, "  Check error: %v\n", e)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAdminOverview summarizes what needs attention.
func (h *Handlers) HandleAdminOverview(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Overview(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get overview: %v", err)), nil
	}
	ov, err := unwrap(raw, "overview")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse overview: %v", err)), nil
	}

	var sb strings.Builder
	disputes, _ := getFloat(ov, "openDisputes")
	fmt.Fprintf(&sb, "Open disputes: %.0f\n", disputes)
	if oldest := getString(ov, "oldestDisputeAt"); oldest != "" {
		fmt.Fprintf(&sb, "  Oldest opened at: %s\n", oldest)
	}
	pending, _ := getFloat(ov, "pendingSettlements")
	fmt.Fprintf(&sb, "Pending refunds: %.0f\n", pending)
	if rep, ok := ov["reconciliation"].(map[string]any); ok {
		if healthy, _ := rep["healthy"].(bool); healthy {
			sb.WriteString("Reconciliation: OK\n")
		} else {
			sb.WriteString("Reconciliation: DISCREPANCIES FOUND (run reconciliation_report)\n")
		}
	} else {
		sb.WriteString("Reconciliation: not run yet\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetBalance returns a user's balance.
func (h *Handlers) HandleGetBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetBalance(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}
	bal, err := unwrap(raw, "balance")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance of %s:\n", userID)
	fmt.Fprintf(&sb, "  Available: %s\n", getString(bal, "available"))
	fmt.Fprintf(&sb, "  In escrow: %s\n", getString(bal, "pending"))
	if v := getString(bal, "totalRefunded"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Refunded:  %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- formatting ---

// unwrap decodes raw and returns the object under key, or the top level
// object when key is absent.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected disputes response format")
	}
	if len(resp.Disputes) == 0 {
		return "No disputes found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d dispute(s):\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. Order %s (%s)\n", i+1, getString(d, "orderId"), getString(d, "status"))
		fmt.Fprintf(&sb, "   Reason: %s\n", getString(d, "reason"))
		fmt.Fprintf(&sb, "   Opened: %s\n", getString(d, "openedAt"))
		if a := getString(d, "adminId"); a != "" {
			fmt.Fprintf(&sb, "   Mediator: %s\n", a)
		}
		if v := getString(d, "verdict"); v != "" {
			fmt.Fprintf(&sb, "   Verdict: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatOrder(o map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", getString(o, "id"))
	if l, ok := o["listing"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Item: %s", getString(l, "title"))
		if g := getString(l, "game"); g != "" {
			fmt.Fprintf(&sb, " (%s)", g)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "  Buyer: %s | Seller: %s\n", getString(o, "buyerId"), getString(o, "sellerId"))
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(o, "amount"))
	fmt.Fprintf(&sb, "  Status: %s | Settlement: %s\n", getString(o, "status"), getString(o, "settlement"))
	for _, field := range []struct{ key, label string }{
		{"paidAt", "Paid"},
		{"deliveredAt", "Delivered"},
		{"autoCompleteAt", "Protection ends"},
		{"disputeRaisedAt", "Disputed"},
		{"completedAt", "Completed"},
		{"cancelledAt", "Cancelled"},
	} {
		if v := getString(o, field.key); v != "" {
			fmt.Fprintf(&sb, "  %s: %s\n", field.label, v)
		}
	}
	if r := getString(o, "resolution"); r != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", r)
	}
	return sb.String()
}

func formatDispute(d map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s (%s)\n", getString(d, "id"), getString(d, "status"))
	fmt.Fprintf(&sb, "  Reason: %s\n", getString(d, "reason"))
	if a := getString(d, "adminId"); a != "" {
		fmt.Fprintf(&sb, "  Mediator: %s\n", a)
	} else {
		sb.WriteString("  Mediator: none yet\n")
	}
	return sb.String()
}

func formatConversation(raw json.RawMessage) (string, error) {
	var resp struct {
		Conversation map[string]any   `json:"conversation"`
		Messages     []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected conversation response format")
	}

	var sb strings.Builder
	if resp.Conversation != nil {
		fmt.Fprintf(&sb, "Conversation for order %s", getString(resp.Conversation, "orderId"))
		if disputed, _ := resp.Conversation["disputed"].(bool); disputed {
			sb.WriteString(" [DISPUTED]")
		}
		sb.WriteString("\n\n")
	}
	if len(resp.Messages) == 0 {
		sb.WriteString("No messages yet.")
		return sb.String(), nil
	}
	for _, m := range resp.Messages {
		fmt.Fprintf(&sb, "[%s] %s (%s): %s\n",
			getString(m, "createdAt"), getString(m, "senderId"), getString(m, "senderRole"), getString(m, "body"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
