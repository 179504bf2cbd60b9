package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIToken string // admin bearer token issued by the identity service
}

// Client is an HTTP client for the admin side of the marketplace API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new admin API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListDisputes returns dispute cases with the given status ("open",
// "resolved" or "all").
func (c *Client) ListDisputes(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q, nil)
}

// GetOrder returns a single order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

// GetDispute returns the dispute case of an order.
func (c *Client) GetDispute(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/dispute", nil, nil)
}

// ReadConversation spectates an order conversation without joining it.
func (c *Client) ReadConversation(ctx context.Context, orderID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/orders/"+url.PathEscape(orderID)+"/messages", q, nil)
}

// PostMessage writes into an order conversation as the admin. The first
// admin message joins the conversation and claims mediation.
func (c *Client) PostMessage(ctx context.Context, orderID, body string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/orders/"+url.PathEscape(orderID)+"/messages", nil, map[string]any{
		"body": body,
	})
}

// ResolveDispute submits a verdict. refundAmount is only sent for split
// verdicts.
func (c *Client) ResolveDispute(ctx context.Context, orderID, verdict, reason, refundAmount string) (json.RawMessage, error) {
	body := map[string]any{
		"verdict": verdict,
		"reason":  reason,
	}
	if refundAmount != "" {
		body["refundAmount"] = refundAmount
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/orders/"+url.PathEscape(orderID)+"/resolve", nil, body)
}

// ListPendingSettlements returns orders whose refund is outstanding.
func (c *Client) ListPendingSettlements(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/settlements/pending", nil, nil)
}

// RetrySettlement retries the processor refund of one order.
func (c *Client) RetrySettlement(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/settlements/"+url.PathEscape(orderID)+"/retry", nil, nil)
}

// Reconciliation returns the latest reconciliation report.
func (c *Client) Reconciliation(ctx context.Context, rerun bool) (json.RawMessage, error) {
	method := http.MethodGet
	if rerun {
		method = http.MethodPost
	}
	return c.doRequest(ctx, method, "/v1/admin/reconciliation", nil, nil)
}

// Overview returns the admin console summary.
func (c *Client) Overview(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/overview", nil, nil)
}

// GetBalance returns a user's ledger balance.
func (c *Client) GetBalance(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/balance", nil, nil)
}
