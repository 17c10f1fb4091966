package dto

import (
	"time"

	"github.com/spec-kit/persona-service/internal/domain"
)

// CheckoutRequest starts a subscription checkout.
type CheckoutRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// CheckoutResponse carries the hosted checkout session.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
}

// VerifySessionRequest asks for a checkout session to be reconciled.
type VerifySessionRequest struct {
	SessionID string `json:"session_id"`
}

// CancelRequest asks for cancellation at period end.
type CancelRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// GrantPremiumRequest is the manual override payload.
type GrantPremiumRequest struct {
	UserID string `json:"user_id"`
}

// URLResponse wraps a redirect target.
type URLResponse struct {
	URL string `json:"url"`
}

// SuccessResponse acknowledges a completed action.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// WebhookResponse acknowledges a provider notification.
type WebhookResponse struct {
	Received bool `json:"received"`
}

// EntitlementResponse is the caller-facing entitlement view.
type EntitlementResponse struct {
	UserID            string     `json:"user_id"`
	IsPremium         bool       `json:"is_premium"`
	Status            string     `json:"status"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	ManualOverride    bool       `json:"manual_override"`
}

// NewEntitlementResponse maps a domain record.
func NewEntitlementResponse(ent *domain.Entitlement) EntitlementResponse {
	return EntitlementResponse{
		UserID:            ent.UserID,
		IsPremium:         ent.IsPremium,
		Status:            string(ent.Status),
		SubscriptionID:    ent.SubscriptionRef,
		CurrentPeriodEnd:  ent.PeriodEnd,
		CancelAtPeriodEnd: ent.CancelAtPeriodEnd,
		ManualOverride:    ent.ManualOverride,
	}
}
