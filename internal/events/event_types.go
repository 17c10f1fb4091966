package events

import (
	"time"

	"github.com/spec-kit/persona-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventUserRegistered      EventType = "user_registered"
	EventEntitlementChanged  EventType = "entitlement_changed"
	EventCancellationStarted EventType = "cancellation_started"
)

// Sources of an entitlement change.
const (
	SourceWebhook  = "webhook"
	SourceVerify   = "verify_session"
	SourceCancel   = "cancel"
	SourceOverride = "manual_override"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// UserRegisteredPayload payload.
type UserRegisteredPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// EntitlementChangedPayload payload.
type EntitlementChangedPayload struct {
	IsPremium      bool                      `json:"is_premium"`
	WasPremium     bool                      `json:"was_premium"`
	Status         domain.SubscriptionStatus `json:"status"`
	Source         string                    `json:"source"`
	BillingEventID string                    `json:"billing_event_id,omitempty"`
}

// CancellationStartedPayload payload.
type CancellationStartedPayload struct {
	SubscriptionRef string     `json:"subscription_ref"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}
