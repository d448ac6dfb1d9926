package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient forwards movements to an external ledger service.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type movementRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Party   string `json:"party"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Hold(ctx context.Context, orderID string, amount int64, source, idempotencyKey string) error {
	return c.post(ctx, "/v1/holds", idempotencyKey, movementRequest{OrderID: orderID, Amount: amount, Party: source})
}

func (c *HTTPClient) Release(ctx context.Context, orderID string, amount int64, destination, idempotencyKey string) error {
	return c.post(ctx, "/v1/releases", idempotencyKey, movementRequest{OrderID: orderID, Amount: amount, Party: destination})
}

func (c *HTTPClient) Refund(ctx context.Context, orderID string, amount int64, destination, idempotencyKey string) error {
	return c.post(ctx, "/v1/refunds", idempotencyKey, movementRequest{OrderID: orderID, Amount: amount, Party: destination})
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body movementRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode treasury request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build treasury request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("treasury request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr errorResponse
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("treasury %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("treasury %s: status %d", path, resp.StatusCode)
}
