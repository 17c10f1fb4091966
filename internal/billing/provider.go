// Package billing holds the billing provider boundary: verified webhook events,
// checkout/portal/subscription calls, and the processed-event record that makes
// webhook application idempotent.
package billing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingSignature is returned when a webhook arrives without a signature header.
	ErrMissingSignature = errors.New("billing: missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match the shared secret.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrMalformedEvent is returned for a correctly signed body that cannot be decoded.
	ErrMalformedEvent = errors.New("billing: malformed webhook event")
	// ErrNotConfigured is returned when credentials are missing.
	ErrNotConfigured = errors.New("billing: provider not configured")
)

// Provider is the outbound contract with the billing provider.
type Provider interface {
	// VerifyEvent authenticates payload against signature before decoding it.
	VerifyEvent(payload []byte, signature string) (Event, error)
	CreateCustomer(ctx context.Context, in CustomerInput) (string, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionRef string) (Subscription, error)
}

// CustomerInput describes a billing customer to create.
type CustomerInput struct {
	UserID string
	Email  string
}

// CheckoutInput describes a subscription checkout to open.
type CheckoutInput struct {
	UserID      string
	CustomerRef string
	SuccessURL  string
	CancelURL   string
}

// CheckoutSession is the provider's view of a hosted checkout.
type CheckoutSession struct {
	ID                 string
	URL                string
	Status             string
	PaymentStatus      string
	CustomerRef        string
	SubscriptionRef    string
	SubscriptionStatus string
	UserID             string
}

// Complete reports whether the session finished with a settled payment.
func (s CheckoutSession) Complete() bool {
	if s.Status != "complete" {
		return false
	}
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// ProviderError wraps a failed provider call with the operation and the
// provider's error code. It is never rendered to end users.
type ProviderError struct {
	Op         string
	Code       string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("billing %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("billing %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NotFound reports whether the provider said the referenced object does not exist.
func (e *ProviderError) NotFound() bool {
	return e.Code == "resource_missing" || e.HTTPStatus == 404
}

// IsNotFound reports whether err is a provider "no such object" failure.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.NotFound()
}
