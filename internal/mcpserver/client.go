package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for reaching the Blocki API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // per request; 30s when zero
}

// Client is a read-only HTTP client for the Blocki market API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get makes a GET request and returns the response body.
func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	return json.RawMessage(body), nil
}

// ListListings returns listings, optionally for one asset.
func (c *Client) ListListings(ctx context.Context, asset string) (json.RawMessage, error) {
	q := url.Values{}
	if asset != "" {
		q.Set("asset", asset)
	}
	return c.get(ctx, "/v1/marketplace/listings", q)
}

// GetListing returns one listing.
func (c *Client) GetListing(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.get(ctx, "/v1/marketplace/listings/"+strconv.FormatUint(id, 10), nil)
}

// PriceHistory returns recent trades of asset.
func (c *Client) PriceHistory(ctx context.Context, asset string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/marketplace/assets/"+url.PathEscape(asset)+"/history", nil)
}

// MarketCap returns the value of all active listings.
func (c *Client) MarketCap(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/marketplace/market-cap", nil)
}

// SwapQuote prices a direct swap.
func (c *Client) SwapQuote(ctx context.Context, tokenIn, tokenOut, amountIn string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("tokenIn", tokenIn)
	q.Set("tokenOut", tokenOut)
	q.Set("amountIn", amountIn)
	return c.get(ctx, "/v1/marketplace/swap/quote", q)
}

// GetEscrow returns one escrow record.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.get(ctx, "/v1/escrow/"+strconv.FormatUint(id, 10), nil)
}

// Balance returns the holding of address in asset.
func (c *Client) Balance(ctx context.Context, asset, address string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/tokens/"+url.PathEscape(asset)+"/balances/"+url.PathEscape(address), nil)
}

// RecentEvents returns committed events matching the filters, oldest first.
func (c *Client) RecentEvents(ctx context.Context, topic, subject string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if topic != "" {
		q.Set("topic", topic)
	}
	if subject != "" {
		q.Set("subject", subject)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/events", q)
}

// LastAudit returns the most recent custody reconciliation report.
func (c *Client) LastAudit(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/reconciliation/last", nil)
}
