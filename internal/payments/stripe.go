package payments

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// StripeGateway moves funds over the card rail. Export buyers who fund
// contracts by card are paid out and refunded through Stripe; domestic
// smallholder flows stay on mobile money.
type StripeGateway struct{}

// NewStripeGateway configures the global stripe client key and returns
// a gateway instance.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// ProcessPayment creates and confirms a PaymentIntent. Stripe natively
// deduplicates on the idempotency key, so reconciliation retries reuse it.
func (g *StripeGateway) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.DestinationPhone != "" {
		params.AddMetadata("destination_phone", req.DestinationPhone)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, classifyStripeErr(err)
	}

	return &Result{TransactionID: pi.ID, Message: string(pi.Status)}, nil
}

func classifyStripeErr(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return &ProviderError{Provider: "stripe", Retryable: false, Err: err}
		default:
			// API errors, rate limits, connection problems.
			return &ProviderError{Provider: "stripe", Retryable: true, Err: err}
		}
	}
	return &ProviderError{Provider: "stripe", Retryable: true, Err: err}
}
