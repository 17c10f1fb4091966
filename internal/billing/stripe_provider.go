package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds credentials for StripeProvider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
}

// StripeProvider implements Provider with stripe-go. The API calls are struct
// fields so tests can replace them.
type StripeProvider struct {
	webhookSecret string
	priceID       string
	configured    bool

	newCustomer        func(params *stripe.CustomerParams) (*stripe.Customer, error)
	newCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getCheckoutSession func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newPortalSession   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	updateSubscription func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// NewStripeProvider configures the global stripe key and returns a provider.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	key := strings.TrimSpace(cfg.SecretKey)
	if key != "" {
		stripe.Key = key
	}
	return &StripeProvider{
		webhookSecret:      strings.TrimSpace(cfg.WebhookSecret),
		priceID:            strings.TrimSpace(cfg.PriceID),
		configured:         key != "",
		newCustomer:        customer.New,
		newCheckoutSession: checkoutsession.New,
		getCheckoutSession: checkoutsession.Get,
		newPortalSession:   portalsession.New,
		updateSubscription: subscription.Update,
	}
}

// VerifyEvent implements Provider. The signature is checked over the raw
// bytes; nothing in the payload is trusted before that succeeds.
func (p *StripeProvider) VerifyEvent(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrMissingSignature
	}
	if p.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	if err := webhook.ValidatePayload(payload, signature, p.webhookSecret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	parsed, err := ParseEvent(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return parsed, nil
}

// CreateCustomer implements Provider.
func (p *StripeProvider) CreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if in.Email != "" {
		params.Email = stripe.String(in.Email)
	}
	params.AddMetadata("user_id", in.UserID)

	c, err := p.newCustomer(params)
	if err != nil {
		return "", wrapStripeError("create_customer", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession implements Provider.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error) {
	if !p.configured || p.priceID == "" {
		return CheckoutSession{}, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(in.CustomerRef),
		ClientReferenceID: stripe.String(in.UserID),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": in.UserID},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", in.UserID)

	s, err := p.newCheckoutSession(params)
	if err != nil {
		return CheckoutSession{}, wrapStripeError("create_checkout_session", err)
	}
	return toCheckoutSession(s), nil
}

// GetCheckoutSession implements Provider.
func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	if !p.configured {
		return CheckoutSession{}, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")

	s, err := p.getCheckoutSession(sessionID, params)
	if err != nil {
		return CheckoutSession{}, wrapStripeError("get_checkout_session", err)
	}
	return toCheckoutSession(s), nil
}

// CreatePortalSession implements Provider.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := p.newPortalSession(params)
	if err != nil {
		return "", wrapStripeError("create_portal_session", err)
	}
	return s.URL, nil
}

// CancelSubscriptionAtPeriodEnd implements Provider.
func (p *StripeProvider) CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionRef string) (Subscription, error) {
	if !p.configured {
		return Subscription{}, ErrNotConfigured
	}
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx

	s, err := p.updateSubscription(subscriptionRef, params)
	if err != nil {
		return Subscription{}, wrapStripeError("cancel_subscription", err)
	}
	out := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	return out, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) CheckoutSession {
	if s == nil {
		return CheckoutSession{}
	}
	out := CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		UserID:        strings.TrimSpace(s.Metadata["user_id"]),
	}
	if out.UserID == "" {
		out.UserID = strings.TrimSpace(s.ClientReferenceID)
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionRef = s.Subscription.ID
		out.SubscriptionStatus = string(s.Subscription.Status)
	}
	return out
}

func wrapStripeError(op string, err error) error {
	pe := &ProviderError{Op: op, Err: err}
	var se *stripe.Error
	if errors.As(err, &se) {
		pe.Code = string(se.Code)
		pe.HTTPStatus = se.HTTPStatusCode
	}
	return pe
}
