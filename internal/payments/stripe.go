package payments

import (
	"context"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
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
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

type HoldCanceller interface {
	Cancel(ctx context.Context, paymentIntentID string) error
}

// HoldReleaser frees the customer's held funds when dispatch ran out of
// drivers or the trip was cancelled. A dispatch stopped by shutdown leaves
// the trip pending, so its hold is kept for the next attempt.
type HoldReleaser struct {
	Payments HoldCanceller
	Log      *slog.Logger
}

func NewHoldReleaser(p HoldCanceller, log *slog.Logger) *HoldReleaser {
	if log == nil {
		log = logging.Discard()
	}
	return &HoldReleaser{Payments: p, Log: log}
}

func (h *HoldReleaser) OnOutcome(ctx context.Context, trip models.Trip, res models.DispatchResult) {
	if trip.PaymentIntentID == "" {
		return
	}
	if res.Outcome != models.OutcomeExhausted && trip.Status != models.TripCancelled {
		return
	}
	if err := h.Payments.Cancel(ctx, trip.PaymentIntentID); err != nil {
		h.Log.Error("payment_hold_release_failed", "trip_id", trip.ID, "payment_intent_id", trip.PaymentIntentID, "error", err)
		return
	}
	h.Log.Info("payment_hold_released", "trip_id", trip.ID, "outcome", res.Outcome)
}
