package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Provider event types the reconciler acts on.
const (
	EventTypeCheckoutCompleted   = "checkout.session.completed"
	EventTypeSubscriptionUpdated = "customer.subscription.updated"
	EventTypeSubscriptionDeleted = "customer.subscription.deleted"
)

// EventMeta is common to every billing event.
type EventMeta struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

// Event is a verified billing notification. The set of implementations is
// closed: each one routes itself to exactly one EventHandler method, so a new
// variant does not compile until every handler supports it.
type Event interface {
	Meta() EventMeta
	Dispatch(ctx context.Context, h EventHandler) error
}

// EventHandler has one method per Event variant.
type EventHandler interface {
	HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error
	HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error
	HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error
	HandleUnrecognized(ctx context.Context, ev Unrecognized) error
}

// CheckoutCompleted is emitted when a hosted checkout finishes.
type CheckoutCompleted struct {
	EventMeta
	SessionID       string
	CustomerRef     string
	SubscriptionRef string
	// UserID is taken from session metadata, falling back to client_reference_id.
	// It is untrusted until validated.
	UserID        string
	CustomerEmail string
	PaymentStatus string
}

// SubscriptionUpdated carries the subscription's new status.
type SubscriptionUpdated struct {
	EventMeta
	Subscription Subscription
}

// SubscriptionDeleted is emitted once a subscription has fully ended.
type SubscriptionDeleted struct {
	EventMeta
	Subscription Subscription
}

// Unrecognized is any event type the reconciler does not act on.
type Unrecognized struct {
	EventMeta
}

func (e CheckoutCompleted) Meta() EventMeta   { return e.EventMeta }
func (e SubscriptionUpdated) Meta() EventMeta { return e.EventMeta }
func (e SubscriptionDeleted) Meta() EventMeta { return e.EventMeta }
func (e Unrecognized) Meta() EventMeta        { return e.EventMeta }

func (e CheckoutCompleted) Dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleCheckoutCompleted(ctx, e)
}

func (e SubscriptionUpdated) Dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleSubscriptionUpdated(ctx, e)
}

func (e SubscriptionDeleted) Dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleSubscriptionDeleted(ctx, e)
}

func (e Unrecognized) Dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleUnrecognized(ctx, e)
}

// Subscription is the subset of a provider subscription the service mirrors.
type Subscription struct {
	ID                string
	CustomerRef       string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	UserID            string
}

type checkoutSessionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// ParseEvent converts a verified provider event into its typed variant.
func ParseEvent(ev stripe.Event) (Event, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return nil, errors.New("event id is required")
	}
	meta := EventMeta{ID: ev.ID, Type: string(ev.Type)}
	if ev.Created > 0 {
		meta.OccurredAt = time.Unix(ev.Created, 0).UTC()
	}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch meta.Type {
	case EventTypeCheckoutCompleted:
		var obj checkoutSessionObject
		if err := decodeObject(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		userID := strings.TrimSpace(obj.Metadata["user_id"])
		if userID == "" {
			userID = strings.TrimSpace(obj.ClientReferenceID)
		}
		email := strings.TrimSpace(obj.CustomerEmail)
		if email == "" {
			email = strings.TrimSpace(obj.CustomerDetails.Email)
		}
		return CheckoutCompleted{
			EventMeta:       meta,
			SessionID:       obj.ID,
			CustomerRef:     strings.TrimSpace(obj.Customer),
			SubscriptionRef: strings.TrimSpace(obj.Subscription),
			UserID:          userID,
			CustomerEmail:   email,
			PaymentStatus:   obj.PaymentStatus,
		}, nil
	case EventTypeSubscriptionUpdated:
		sub, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionUpdated{EventMeta: meta, Subscription: sub}, nil
	case EventTypeSubscriptionDeleted:
		sub, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{EventMeta: meta, Subscription: sub}, nil
	default:
		return Unrecognized{EventMeta: meta}, nil
	}
}

func decodeObject(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errors.New("event has no data object")
	}
	return json.Unmarshal(raw, target)
}

func decodeSubscription(raw json.RawMessage) (Subscription, error) {
	var obj subscriptionObject
	if err := decodeObject(raw, &obj); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	start, end := obj.CurrentPeriodStart, obj.CurrentPeriodEnd
	// Newer API versions report the period on subscription items.
	if start == 0 && end == 0 && len(obj.Items.Data) > 0 {
		start, end = obj.Items.Data[0].CurrentPeriodStart, obj.Items.Data[0].CurrentPeriodEnd
	}
	return Subscription{
		ID:                strings.TrimSpace(obj.ID),
		CustomerRef:       strings.TrimSpace(obj.Customer),
		Status:            obj.Status,
		CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
		PeriodStart:       unixPtr(start),
		PeriodEnd:         unixPtr(end),
		UserID:            strings.TrimSpace(obj.Metadata["user_id"]),
	}, nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
