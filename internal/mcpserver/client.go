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

// Config holds the configuration for connecting to the QShield API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	APIKey        string // Optional qs_ wallet or operator key
	WalletAddress string // Default wallet for balance, history and dashboard tools
}

// Client is a pure HTTP client for the QShield API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
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

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
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

// wallet returns address, or the configured wallet when it is empty.
func (c *Client) wallet(address string) string {
	if address != "" {
		return address
	}
	return c.cfg.WalletAddress
}

// AnalyzeTransaction runs the dry-run pipeline on a prospective transaction.
func (c *Client) AnalyzeTransaction(ctx context.Context, sender, recipient, amount, txType string) (json.RawMessage, error) {
	body := map[string]string{
		"sender":    c.wallet(sender),
		"recipient": recipient,
		"amount":    amount,
	}
	if txType != "" {
		body["type"] = txType
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/analysis/transactions", nil, body)
}

// AnalyzeContract scores contract source, or the bytecode deployed at address.
func (c *Client) AnalyzeContract(ctx context.Context, code, address string) (json.RawMessage, error) {
	body := map[string]string{}
	if code != "" {
		body["code"] = code
	}
	if address != "" {
		body["address"] = address
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/analysis/contracts", nil, body)
}

// GetBalance returns the ether balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (json.RawMessage, error) {
	path := "/v1/wallets/" + c.wallet(address) + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetHistory lists recorded transactions sent from address, newest first.
// cursor continues from a previous page's nextCursor.
func (c *Client) GetHistory(ctx context.Context, address string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/wallets/" + c.wallet(address) + "/transactions"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// GetDashboard returns the security report for address.
func (c *Client) GetDashboard(ctx context.Context, address string) (json.RawMessage, error) {
	path := "/v1/security/" + c.wallet(address)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// VerifyAttestation checks the signature recorded with a history entry.
func (c *Client) VerifyAttestation(ctx context.Context, entryID string) (json.RawMessage, error) {
	body := map[string]string{"entryId": entryID}
	return c.doRequest(ctx, http.MethodPost, "/v1/attestations/verify", nil, body)
}

// GetNetwork returns the connected chain's status.
func (c *Client) GetNetwork(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/network", nil, nil)
}
