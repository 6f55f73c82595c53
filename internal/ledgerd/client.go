package ledgerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the HTTP implementation of Adapter.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a ledger client with a bounded request timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type recordRequest struct {
	ContractID string         `json:"contractId"`
	EventType  string         `json:"eventType"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type recordResponse struct {
	TransactionID string `json:"transactionId"`
}

// RecordEscrowEvent appends an event to the ledger. Every failure is wrapped
// in ErrLedgerWrite: the append may have been applied, so the caller keeps
// the idempotency key and retries.
func (c *Client) RecordEscrowEvent(ctx context.Context, contractID, eventType string, payload map[string]any, idempotencyKey string) (string, error) {
	body, err := json.Marshal(recordRequest{ContractID: contractID, EventType: eventType, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: ledger status %d", ErrLedgerWrite, resp.StatusCode)
	}

	var decoded recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrLedgerWrite, err)
	}
	if decoded.TransactionID == "" {
		return "", fmt.Errorf("%w: ledger returned no transaction id", ErrLedgerWrite)
	}
	return decoded.TransactionID, nil
}

// ReadEscrowState returns the last recorded payload for a contract.
func (c *Client) ReadEscrowState(ctx context.Context, contractID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/contracts/"+contractID+"/state", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotRecorded
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ledgerd: read state status %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("ledgerd: decode state: %w", err)
	}
	return payload, nil
}
