package domain

import (
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus mirrors the billing provider's subscription states.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

// SubscriptionStatuses lists every recognized status.
var SubscriptionStatuses = []SubscriptionStatus{
	SubscriptionActive,
	SubscriptionCanceled,
	SubscriptionIncomplete,
	SubscriptionIncompleteExpired,
	SubscriptionPastDue,
	SubscriptionTrialing,
	SubscriptionUnpaid,
}

// ParseSubscriptionStatus normalizes a provider status string.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	s := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range SubscriptionStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown subscription status %q", raw)
}

// GrantsPremium is the single derivation rule for the premium flag.
func (s SubscriptionStatus) GrantsPremium() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing:
		return true
	default:
		return false
	}
}

// Entitlement is the locally cached view of a user's billing state. It is
// mutated only by the billing reconciler and the checkout orchestrator.
type Entitlement struct {
	UserID            string
	IsPremium         bool
	CustomerRef       string
	SubscriptionRef   string
	Status            SubscriptionStatus
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	ManualOverride    bool
	// LastEventAt is the provider timestamp of the newest webhook applied.
	LastEventAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEntitlement returns an empty record for userID.
func NewEntitlement(userID string) *Entitlement {
	return &Entitlement{UserID: userID, Status: SubscriptionIncomplete}
}

// ApplyStatus sets the status and re-derives IsPremium. A provider-driven
// status always supersedes a manual override.
func (e *Entitlement) ApplyStatus(status SubscriptionStatus) {
	e.Status = status
	e.IsPremium = status.GrantsPremium()
	e.ManualOverride = false
}

// Revoke removes premium access after the subscription has ended.
func (e *Entitlement) Revoke() {
	e.ApplyStatus(SubscriptionCanceled)
	e.CancelAtPeriodEnd = false
}

// GrantOverride force-enables premium without provider confirmation.
func (e *Entitlement) GrantOverride() {
	e.IsPremium = true
	e.ManualOverride = true
	if !e.Status.GrantsPremium() {
		e.Status = SubscriptionActive
	}
}

// HasActiveSubscription reports whether a new checkout would double-bill.
func (e *Entitlement) HasActiveSubscription() bool {
	return e != nil && e.Status.GrantsPremium() && e.SubscriptionRef != ""
}

// Clone returns a deep copy safe to hand across goroutines.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	out := *e
	out.PeriodStart = cloneTime(e.PeriodStart)
	out.PeriodEnd = cloneTime(e.PeriodEnd)
	out.LastEventAt = cloneTime(e.LastEventAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
