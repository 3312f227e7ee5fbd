package billing

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

type ChargeRequest struct {
	Subscription   models.UserSubscription
	Plan           models.SubscriptionPlan
	IdempotencyKey string
}

type ChargeResult struct {
	Reference string
	Status    string
}

// Charger requests a renewal payment. The outcome arrives later as a webhook; a nil
// error only means the request was accepted.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// NoopCharger is used when no payment provider key is configured.
type NoopCharger struct{}

func (NoopCharger) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	log.Printf("[Billing] charge_skipped subscriptionId=%s reason=no_provider", req.Subscription.ID)
	return ChargeResult{Status: "skipped"}, nil
}

// StripeCharger confirms an off-session PaymentIntent against the customer and payment
// method codes stored on the subscription.
type StripeCharger struct {
	API *client.API
}

func NewStripeCharger(secretKey string, backends *stripe.Backends) *StripeCharger {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &StripeCharger{API: sc}
}

func (c *StripeCharger) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	sub, plan := req.Subscription, req.Plan
	if strings.TrimSpace(sub.CustomerCode) == "" || strings.TrimSpace(sub.AuthorizationCode) == "" {
		return ChargeResult{}, fmt.Errorf("stripe charge: subscription %s has no stored payment method", sub.ID)
	}
	if plan.PriceCents <= 0 {
		return ChargeResult{}, fmt.Errorf("stripe charge: plan %s is free", plan.ID)
	}
	currency := strings.ToLower(strings.TrimSpace(plan.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(plan.PriceCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(sub.CustomerCode),
		PaymentMethod: stripe.String(sub.AuthorizationCode),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("%s renewal", plan.Name)),
	}
	params.Context = ctx
	params.AddMetadata("user_id", sub.UserID)
	params.AddMetadata("plan_id", plan.ID)
	params.AddMetadata("subscription_id", sub.ID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := c.API.PaymentIntents.New(params)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("stripe charge: %w", err)
	}
	return ChargeResult{Reference: pi.ID, Status: string(pi.Status)}, nil
}
