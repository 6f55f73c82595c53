package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// MpesaGateway talks to a mobile-money aggregator over HTTP.
// The aggregator deduplicates by the Idempotency-Key header, so retrying
// a timed-out request with the same key is always safe.
type MpesaGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewMpesaGateway creates a mobile-money gateway client with a bounded
// request timeout. A call that exceeds the timeout is treated as
// failed-but-possibly-applied and left to the reconciliation job.
func NewMpesaGateway(baseURL, apiKey string, timeout time.Duration) *MpesaGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MpesaGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type mpesaPaymentRequest struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Phone    string            `json:"phone"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type mpesaPaymentResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// ProcessPayment executes a single funds movement via the aggregator.
func (g *MpesaGateway) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(mpesaPaymentRequest{
		Amount:   req.Amount.Format(),
		Currency: req.Currency,
		Phone:    req.DestinationPhone,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, &ProviderError{Provider: "mpesa", Retryable: false, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: "mpesa", Retryable: false, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// Timeout or transport failure: the request may have been applied.
		return nil, &ProviderError{Provider: "mpesa", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded mpesaPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		return nil, &ProviderError{Provider: "mpesa", Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if decoded.TransactionID == "" {
			return nil, &ProviderError{Provider: "mpesa", Retryable: true,
				Err: errors.New("aggregator returned success without a transaction id")}
		}
		return &Result{TransactionID: decoded.TransactionID, Message: decoded.Message}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ProviderError{Provider: "mpesa", Retryable: true,
			Err: fmt.Errorf("aggregator status %d: %s", resp.StatusCode, decoded.Message)}
	default:
		// 4xx: invalid phone, insufficient float, rejected by subscriber.
		return nil, &ProviderError{Provider: "mpesa", Retryable: false,
			Err: fmt.Errorf("aggregator status %d: %s", resp.StatusCode, decoded.Message)}
	}
}
