package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Processor is the optional card-settlement collaborator. The coordinator
// places a hold at acceptance, captures it at completion, and cancels it
// when a ride is cancelled. A nil Processor means ledger-only settlement.
type Processor interface {
	Hold(ctx context.Context, amount float64, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// StripeProcessor implements Processor on Stripe PaymentIntents with
// capture_method=manual for the hold/capture/cancel flow.
type StripeProcessor struct {
	Currency string
}

// NewStripeProcessor initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeProcessor(currency string) *StripeProcessor {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "usd"
	}
	return &StripeProcessor{Currency: currency}
}

func (s *StripeProcessor) Hold(ctx context.Context, amount float64, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(s.Currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeProcessor) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeProcessor) Cancel(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}

// toMinorUnits converts a fare to the smallest currency unit Stripe expects.
func toMinorUnits(amount float64) int64 {
	return int64(amount*100 + 0.5)
}
