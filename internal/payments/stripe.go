package payments

import (
	"context"
	"fmt"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

// IntentAPI is the subset of the Stripe PaymentIntent client used for
// hold, capture and cancel. *paymentintent.Client satisfies it.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type hold struct {
	intentID string
	amount   int64
}

// Settler authorizes the rider's payment when a ride is matched, captures the
// settled amount on completion and voids the authorization on cancellation.
type Settler struct {
	api      IntentAPI
	currency string
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	holds map[string]hold
}

func NewSettler(apiKey, currency string, logger *zap.SugaredLogger) *Settler {
	api := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return NewSettlerWithAPI(api, currency, logger)
}

func NewSettlerWithAPI(api IntentAPI, currency string, logger *zap.SugaredLogger) *Settler {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Settler{api: api, currency: currency, logger: logger, holds: make(map[string]hold)}
}

// Publish reacts to ride events. Other transitions are ignored.
func (s *Settler) Publish(ctx context.Context, ev models.RideEvent) error {
	switch ev.To {
	case models.StateMatched:
		fare, ok := ev.Payload["estimated_fare"].(float64)
		if !ok {
			return fmt.Errorf("ride %s: matched event without estimated_fare", ev.RideID)
		}
		_, err := s.Hold(ctx, ev.RideID, ev.RiderID, fare)
		return err
	case models.StateCompleted:
		fare, ok := ev.Payload["actual_fare"].(float64)
		if !ok {
			return fmt.Errorf("ride %s: completed event without actual_fare", ev.RideID)
		}
		return s.Capture(ctx, ev.RideID, pricing.Settle(fare, ev.OccurredAt))
	case models.StateCancelled:
		return s.Cancel(ctx, ev.RideID)
	}
	return nil
}

// Hold creates a manual-capture PaymentIntent large enough for any
// settlement of fare and returns its id.
func (s *Settler) Hold(ctx context.Context, rideID, riderID string, fare float64) (string, error) {
	amount := pricing.ToMinorUnits(pricing.MaxTotal(fare))
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + rideID)
	params.AddMetadata("ride_id", rideID)
	params.AddMetadata("rider_id", riderID)
	pi, err := s.api.New(params)
	if err != nil {
		return "", fmt.Errorf("hold ride %s: %w", rideID, err)
	}
	s.mu.Lock()
	s.holds[rideID] = hold{intentID: pi.ID, amount: amount}
	s.mu.Unlock()
	s.logger.Infow("payment held", "ride_id", rideID, "payment_intent", pi.ID, "amount", amount, "currency", s.currency)
	return pi.ID, nil
}

// Capture charges the settled total, never more than was authorized.
func (s *Settler) Capture(ctx context.Context, rideID string, st pricing.Settlement) error {
	h, ok := s.take(rideID)
	if !ok {
		return fmt.Errorf("capture ride %s: no payment hold", rideID)
	}
	amount := pricing.ToMinorUnits(st.Total)
	if amount > h.amount {
		amount = h.amount
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + rideID)
	if _, err := s.api.Capture(h.intentID, params); err != nil {
		s.restore(rideID, h)
		return fmt.Errorf("capture ride %s: %w", rideID, err)
	}
	s.logger.Infow("payment captured", "ride_id", rideID, "payment_intent", h.intentID, "amount", amount,
		"multiplier", st.Multiplier, "platform_fee", st.PlatformFee)
	return nil
}

// Cancel releases the hold of a ride. Rides cancelled before a match have no
// hold and are ignored.
func (s *Settler) Cancel(ctx context.Context, rideID string) error {
	h, ok := s.take(rideID)
	if !ok {
		return nil
	}
	params := &stripe.PaymentIntentCancelParams{CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned))}
	params.Context = ctx
	if _, err := s.api.Cancel(h.intentID, params); err != nil {
		s.restore(rideID, h)
		return fmt.Errorf("cancel ride %s: %w", rideID, err)
	}
	s.logger.Infow("payment hold released", "ride_id", rideID, "payment_intent", h.intentID)
	return nil
}

func (s *Settler) take(rideID string) (hold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[rideID]
	delete(s.holds, rideID)
	return h, ok
}

func (s *Settler) restore(rideID string, h hold) {
	s.mu.Lock()
	s.holds[rideID] = h
	s.mu.Unlock()
}
