package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/billing"
	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/events"
	"github.com/spec-kit/persona-service/internal/observability"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

const providerBilling = "billing"

// CheckoutResult is returned by StartCheckout.
type CheckoutResult struct {
	SessionID string
	URL       string
}

// BillingService runs the synchronous checkout, portal, verification,
// cancellation and override flows. Each one reads and writes entitlement
// records directly and may race the webhook reconciler; the last write wins.
type BillingService struct {
	provider     billing.Provider
	users        repository.UserRepository
	entitlements repository.EntitlementRepository
	dispatcher   events.Dispatcher
	logger       *zap.Logger
	metrics      *observability.Metrics
	baseURL      string
	timeout      time.Duration
}

// BillingDependencies groups the billing service's collaborators.
type BillingDependencies struct {
	Provider     billing.Provider
	Users        repository.UserRepository
	Entitlements repository.EntitlementRepository
	Dispatcher   events.Dispatcher
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// NewBillingService builds the service. baseURL is the public origin used for
// provider redirects; timeout bounds every datastore and provider call.
func NewBillingService(baseURL string, timeout time.Duration, deps BillingDependencies) *BillingService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BillingService{
		provider:     deps.Provider,
		users:        deps.Users,
		entitlements: deps.Entitlements,
		dispatcher:   deps.Dispatcher,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		baseURL:      strings.TrimRight(baseURL, "/"),
		timeout:      timeout,
	}
}

// StartCheckout opens a subscription checkout for an existing user that is
// not already subscribed. The provider customer is created once and reused.
func (s *BillingService) StartCheckout(ctx context.Context, userID, email string) (*CheckoutResult, error) {
	if !domain.ValidUserID(userID) {
		return nil, apperrors.NewValidationError("user_id must be a UUID", map[string]any{"user_id": userID})
	}

	user, err := s.lookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if email = strings.TrimSpace(email); email == "" {
		email = user.Email
	}

	ent, err := s.loadEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent.HasActiveSubscription() {
		return nil, apperrors.NewConflict("user already has an active subscription", nil)
	}

	if ent.CustomerRef == "" {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		customerRef, err := s.provider.CreateCustomer(callCtx, billing.CustomerInput{UserID: userID, Email: email})
		cancel()
		if err != nil {
			return nil, s.upstream("create_customer", err)
		}
		ent.CustomerRef = customerRef
		if err := s.save(ctx, ent); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	session, err := s.provider.CreateCheckoutSession(callCtx, billing.CheckoutInput{
		UserID:      userID,
		CustomerRef: ent.CustomerRef,
		SuccessURL:  s.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.baseURL + "/billing/cancel",
	})
	if err != nil {
		return nil, s.upstream("create_checkout_session", err)
	}
	s.logger.Info("checkout session created", zap.String("user_id", userID), zap.String("session_id", session.ID))
	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// OpenPortal opens a self-service billing session for the stored customer.
func (s *BillingService) OpenPortal(ctx context.Context, userID string) (string, error) {
	ent, err := s.getEntitlement(ctx, userID)
	if err != nil {
		return "", err
	}
	if ent == nil || ent.CustomerRef == "" {
		return "", apperrors.NewNotFound("billing customer", map[string]any{"user_id": userID})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	url, err := s.provider.CreatePortalSession(callCtx, ent.CustomerRef, s.baseURL+"/settings/billing")
	if err != nil {
		return "", s.upstream("create_portal_session", err)
	}
	return url, nil
}

// VerifySession reconciles a completed checkout directly. It is the
// synchronous fallback for a webhook that has not arrived yet.
func (s *BillingService) VerifySession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return apperrors.NewValidationError("session_id is required", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	session, err := s.provider.GetCheckoutSession(callCtx, sessionID)
	cancel()
	if err != nil {
		if billing.IsNotFound(err) {
			return apperrors.NewNotFound("checkout session", map[string]any{"session_id": sessionID})
		}
		return s.upstream("get_checkout_session", err)
	}
	if !session.Complete() {
		return apperrors.NewValidationError("checkout session is not complete", map[string]any{
			"status":         session.Status,
			"payment_status": session.PaymentStatus,
		})
	}
	if !domain.ValidUserID(session.UserID) {
		s.logger.Warn("checkout session without a valid user id", zap.String("session_id", sessionID))
		return apperrors.NewValidationError("checkout session has no valid user", nil)
	}

	status, err := domain.ParseSubscriptionStatus(session.SubscriptionStatus)
	if err != nil {
		// A completed, paid session without an expanded subscription is active.
		status = domain.SubscriptionActive
	}

	ent, err := s.loadEntitlement(ctx, session.UserID)
	if err != nil {
		return err
	}
	wasPremium := ent.IsPremium
	if session.CustomerRef != "" {
		ent.CustomerRef = session.CustomerRef
	}
	if session.SubscriptionRef != "" {
		ent.SubscriptionRef = session.SubscriptionRef
	}
	ent.ApplyStatus(status)
	if err := s.save(ctx, ent); err != nil {
		return err
	}
	s.metrics.RecordEntitlementChange(events.SourceVerify, ent.IsPremium)
	s.publishChange(ctx, ent, wasPremium, events.SourceVerify)
	return nil
}

// CancelSubscription asks the provider to end the caller's subscription at
// the end of the current period and mirrors the flag locally. Premium access
// continues until the provider reports the subscription deleted.
func (s *BillingService) CancelSubscription(ctx context.Context, identity domain.Identity, subscriptionRef string) error {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return apperrors.NewValidationError("subscription_id is required", nil)
	}

	ent, err := s.getEntitlement(ctx, identity.UserID)
	if err != nil {
		return err
	}
	if ent == nil || ent.SubscriptionRef != subscriptionRef {
		return apperrors.NewNotFound("subscription", map[string]any{"subscription_id": subscriptionRef})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	sub, err := s.provider.CancelSubscriptionAtPeriodEnd(callCtx, subscriptionRef)
	cancel()
	if err != nil {
		if billing.IsNotFound(err) {
			return apperrors.NewNotFound("subscription", map[string]any{"subscription_id": subscriptionRef})
		}
		return s.upstream("cancel_subscription", err)
	}

	ent.CancelAtPeriodEnd = true
	if sub.PeriodEnd != nil {
		ent.PeriodEnd = sub.PeriodEnd
	}
	if err := s.save(ctx, ent); err != nil {
		return err
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Publish(ctx, events.Event{
			Type:   events.EventCancellationStarted,
			UserID: ent.UserID,
			Payload: events.CancellationStartedPayload{
				SubscriptionRef: subscriptionRef,
				PeriodEnd:       ent.PeriodEnd,
			},
		}); err != nil {
			s.logger.Warn("publish cancellation", zap.String("user_id", ent.UserID), zap.Error(err))
		}
	}
	return nil
}

// GrantPremium force-enables premium without provider confirmation. The next
// provider-driven status change replaces the override.
func (s *BillingService) GrantPremium(ctx context.Context, userID string) (*domain.Entitlement, error) {
	if !domain.ValidUserID(userID) {
		return nil, apperrors.NewValidationError("user_id must be a UUID", map[string]any{"user_id": userID})
	}
	if _, err := s.lookupUser(ctx, userID); err != nil {
		return nil, err
	}

	ent, err := s.loadEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	wasPremium := ent.IsPremium
	ent.GrantOverride()
	if err := s.save(ctx, ent); err != nil {
		return nil, err
	}
	s.logger.Warn("premium granted by manual override", zap.String("user_id", userID))
	s.metrics.RecordEntitlementChange(events.SourceOverride, true)
	s.publishChange(ctx, ent, wasPremium, events.SourceOverride)
	return ent, nil
}

// Entitlement returns the caller's record, or an empty free-tier record.
func (s *BillingService) Entitlement(ctx context.Context, userID string) (*domain.Entitlement, error) {
	return s.loadEntitlement(ctx, userID)
}

func (s *BillingService) lookupUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	user, err := s.users.GetByID(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.NewNotFound("user", map[string]any{"user_id": userID})
	case err != nil:
		return nil, s.datastore("get_user", err)
	}
	return user, nil
}

// getEntitlement returns nil without error when no record exists.
func (s *BillingService) getEntitlement(ctx context.Context, userID string) (*domain.Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ent, err := s.entitlements.Get(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, s.datastore("get_entitlement", err)
	}
	return ent, nil
}

func (s *BillingService) loadEntitlement(ctx context.Context, userID string) (*domain.Entitlement, error) {
	ent, err := s.getEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return domain.NewEntitlement(userID), nil
	}
	return ent, nil
}

func (s *BillingService) save(ctx context.Context, ent *domain.Entitlement) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.entitlements.Save(ctx, ent); err != nil {
		return s.datastore("save_entitlement", err)
	}
	return nil
}

func (s *BillingService) publishChange(ctx context.Context, ent *domain.Entitlement, wasPremium bool, source string) {
	if s.dispatcher == nil {
		return
	}
	err := s.dispatcher.Publish(ctx, events.Event{
		Type:   events.EventEntitlementChanged,
		UserID: ent.UserID,
		Payload: events.EntitlementChangedPayload{
			IsPremium:  ent.IsPremium,
			WasPremium: wasPremium,
			Status:     ent.Status,
			Source:     source,
		},
	})
	if err != nil {
		s.logger.Warn("publish entitlement change", zap.String("user_id", ent.UserID), zap.Error(err))
	}
}

func (s *BillingService) upstream(op string, err error) error {
	s.logger.Error("billing provider call failed", zap.String("op", op), zap.Error(err))
	s.metrics.RecordUpstreamError(providerBilling, op)
	return apperrors.NewUpstreamError(providerBilling, err)
}

func (s *BillingService) datastore(op string, err error) error {
	s.logger.Error("datastore call failed", zap.String("op", op), zap.Error(err))
	s.metrics.RecordUpstreamError("datastore", op)
	return apperrors.NewUpstreamError("datastore", err)
}
