package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/billing"
	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/events"
	"github.com/spec-kit/persona-service/internal/observability"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

// ErrEventInFlight is returned when another delivery of the same event is
// still being applied. The provider should retry later.
var ErrEventInFlight = errors.New("billing event is already being processed")

// Webhook outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeStale     = "stale"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// WebhookResult reports what happened to an acknowledged webhook.
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   string
}

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	// OrderingGuard rejects events older than the newest one already applied.
	OrderingGuard bool
	// Timeout bounds each datastore call.
	Timeout time.Duration
}

// Reconciler applies verified billing events to entitlement records.
type Reconciler struct {
	provider     billing.Provider
	processed    billing.ProcessedEvents
	entitlements repository.EntitlementRepository
	dispatcher   events.Dispatcher
	logger       *zap.Logger
	metrics      *observability.Metrics
	cfg          ReconcilerConfig
}

// ReconcilerDependencies groups the reconciler's collaborators.
type ReconcilerDependencies struct {
	Provider     billing.Provider
	Processed    billing.ProcessedEvents
	Entitlements repository.EntitlementRepository
	Dispatcher   events.Dispatcher
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// NewReconciler builds the reconciler.
func NewReconciler(cfg ReconcilerConfig, deps ReconcilerDependencies) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Reconciler{
		provider:     deps.Provider,
		processed:    deps.Processed,
		entitlements: deps.Entitlements,
		dispatcher:   deps.Dispatcher,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		cfg:          cfg,
	}
}

// HandleWebhook verifies, deduplicates and applies one provider notification.
//
// Signature problems are returned as 400/401 errors and ErrEventInFlight
// signals a concurrent duplicate. Anything that goes wrong after the event is
// claimed is logged, the claim released and the webhook acknowledged.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	start := time.Now()

	event, err := r.provider.VerifyEvent(payload, signature)
	if err != nil {
		return r.rejectUnverified(err, start)
	}
	meta := event.Meta()
	result := WebhookResult{EventID: meta.ID, EventType: meta.Type}
	log := r.logger.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))

	// Once verified, finish the work even if the provider hangs up.
	ctx = context.WithoutCancel(ctx)

	claimCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	claim, err := r.processed.Claim(claimCtx, meta.ID)
	cancel()
	if err != nil {
		log.Error("claim billing event", zap.Error(err))
		r.metrics.RecordUpstreamError("processed_events", "claim")
		r.metrics.RecordWebhook(meta.Type, OutcomeFailed, time.Since(start))
		return result, apperrors.NewUpstreamError("processed_events", err)
	}
	switch claim {
	case billing.ClaimDuplicate:
		result.Outcome = OutcomeDuplicate
		log.Debug("billing event already applied")
		r.metrics.RecordWebhook(meta.Type, result.Outcome, time.Since(start))
		return result, nil
	case billing.ClaimInFlight:
		r.metrics.RecordWebhook(meta.Type, "in_flight", time.Since(start))
		return result, ErrEventInFlight
	}

	applier := &eventApplier{r: r, log: log}
	if err := event.Dispatch(ctx, applier); err != nil {
		log.Error("apply billing event", zap.Error(err))
		if relErr := r.processed.Release(ctx, meta.ID); relErr != nil {
			log.Warn("release billing event claim", zap.Error(relErr))
		}
		result.Outcome = OutcomeFailed
		r.metrics.RecordWebhook(meta.Type, result.Outcome, time.Since(start))
		return result, nil
	}

	completeCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	if err := r.processed.Complete(completeCtx, meta.ID); err != nil {
		// The mutation already happened; replaying it is harmless.
		log.Warn("record billing event as processed", zap.Error(err))
		_ = r.processed.Release(ctx, meta.ID)
	}
	cancel()

	result.Outcome = applier.outcome
	log.Info("billing event handled", zap.String("outcome", result.Outcome))
	r.metrics.RecordWebhook(meta.Type, result.Outcome, time.Since(start))
	return result, nil
}

func (r *Reconciler) rejectUnverified(err error, start time.Time) (WebhookResult, error) {
	switch {
	case errors.Is(err, billing.ErrMissingSignature):
		r.metrics.RecordWebhook("", "missing_signature", time.Since(start))
		return WebhookResult{}, apperrors.NewValidationError("missing signature header", nil)
	case errors.Is(err, billing.ErrInvalidSignature):
		r.logger.Warn("webhook signature verification failed", zap.Error(err))
		r.metrics.RecordWebhook("", "invalid_signature", time.Since(start))
		return WebhookResult{}, apperrors.NewUnauthorized("invalid signature")
	case errors.Is(err, billing.ErrMalformedEvent):
		// Signed by the provider but unreadable; a retry cannot fix it.
		r.logger.Error("malformed billing event acknowledged", zap.Error(err))
		r.metrics.RecordWebhook("", OutcomeMalformed, time.Since(start))
		return WebhookResult{Outcome: OutcomeMalformed}, nil
	default:
		r.logger.Error("webhook verification unavailable", zap.Error(err))
		r.metrics.RecordWebhook("", OutcomeFailed, time.Since(start))
		return WebhookResult{}, apperrors.NewInternalError(err)
	}
}

// eventApplier handles one event and records its outcome.
type eventApplier struct {
	r       *Reconciler
	log     *zap.Logger
	outcome string
}

var _ billing.EventHandler = (*eventApplier)(nil)

func (a *eventApplier) HandleCheckoutCompleted(ctx context.Context, ev billing.CheckoutCompleted) error {
	if !domain.ValidUserID(ev.UserID) {
		a.log.Warn("checkout completed without a valid user id; ignoring",
			zap.String("user_id", ev.UserID),
			zap.String("session_id", ev.SessionID),
		)
		a.outcome = OutcomeIgnored
		return nil
	}

	ent, err := a.r.load(ctx, ev.UserID)
	if err != nil {
		return err
	}
	wasPremium := ent.IsPremium
	if ev.CustomerRef != "" {
		ent.CustomerRef = ev.CustomerRef
	}
	if ev.SubscriptionRef != "" {
		ent.SubscriptionRef = ev.SubscriptionRef
	}
	ent.ApplyStatus(domain.SubscriptionActive)
	return a.persist(ctx, ent, wasPremium, ev.EventMeta)
}

func (a *eventApplier) HandleSubscriptionUpdated(ctx context.Context, ev billing.SubscriptionUpdated) error {
	status, err := domain.ParseSubscriptionStatus(ev.Subscription.Status)
	if err != nil {
		a.log.Warn("subscription update with unknown status; ignoring", zap.String("status", ev.Subscription.Status))
		a.outcome = OutcomeIgnored
		return nil
	}
	ent, err := a.r.resolve(ctx, ev.Subscription)
	if err != nil {
		return err
	}
	if ent == nil {
		a.log.Warn("subscription update for unknown customer; ignoring", zap.String("customer_ref", ev.Subscription.CustomerRef))
		a.outcome = OutcomeIgnored
		return nil
	}
	wasPremium := ent.IsPremium
	mirrorSubscription(ent, ev.Subscription)
	ent.ApplyStatus(status)
	return a.persist(ctx, ent, wasPremium, ev.EventMeta)
}

func (a *eventApplier) HandleSubscriptionDeleted(ctx context.Context, ev billing.SubscriptionDeleted) error {
	ent, err := a.r.resolve(ctx, ev.Subscription)
	if err != nil {
		return err
	}
	if ent == nil {
		a.log.Warn("subscription deletion for unknown customer; ignoring", zap.String("customer_ref", ev.Subscription.CustomerRef))
		a.outcome = OutcomeIgnored
		return nil
	}
	wasPremium := ent.IsPremium
	mirrorSubscription(ent, ev.Subscription)
	ent.Revoke()
	return a.persist(ctx, ent, wasPremium, ev.EventMeta)
}

func (a *eventApplier) HandleUnrecognized(_ context.Context, ev billing.Unrecognized) error {
	a.log.Debug("unhandled billing event type")
	a.outcome = OutcomeIgnored
	return nil
}

func (a *eventApplier) persist(ctx context.Context, ent *domain.Entitlement, wasPremium bool, meta billing.EventMeta) error {
	ctx, cancel := context.WithTimeout(ctx, a.r.cfg.Timeout)
	defer cancel()

	if a.r.cfg.OrderingGuard && !meta.OccurredAt.IsZero() {
		wrote, err := a.r.entitlements.SaveIfNewer(ctx, ent, meta.OccurredAt)
		if err != nil {
			return err
		}
		if !wrote {
			a.log.Info("stale billing event skipped", zap.Time("occurred_at", meta.OccurredAt))
			a.outcome = OutcomeStale
			return nil
		}
	} else if err := a.r.entitlements.Save(ctx, ent); err != nil {
		return err
	}

	a.outcome = OutcomeApplied
	a.r.metrics.RecordEntitlementChange(events.SourceWebhook, ent.IsPremium)
	a.r.publish(ctx, ent, wasPremium, events.SourceWebhook, meta.ID)
	return nil
}

// resolve finds the existing record a subscription event refers to: by the
// user id in subscription metadata when valid, otherwise by customer
// reference. It returns nil when nothing is stored; subscription events never
// create records.
func (r *Reconciler) resolve(ctx context.Context, sub billing.Subscription) (*domain.Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	var (
		ent *domain.Entitlement
		err error
	)
	if domain.ValidUserID(sub.UserID) {
		ent, err = r.entitlements.Get(ctx, sub.UserID)
	} else {
		ent, err = r.entitlements.GetByCustomerRef(ctx, sub.CustomerRef)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return ent, err
}

// load returns the stored record for userID or a fresh one. Only checkout
// completion may create a record.
func (r *Reconciler) load(ctx context.Context, userID string) (*domain.Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	ent, err := r.entitlements.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.NewEntitlement(userID), nil
	}
	return ent, err
}

func (r *Reconciler) publish(ctx context.Context, ent *domain.Entitlement, wasPremium bool, source, eventID string) {
	if r.dispatcher == nil {
		return
	}
	err := r.dispatcher.Publish(ctx, events.Event{
		Type:   events.EventEntitlementChanged,
		UserID: ent.UserID,
		Payload: events.EntitlementChangedPayload{
			IsPremium:      ent.IsPremium,
			WasPremium:     wasPremium,
			Status:         ent.Status,
			Source:         source,
			BillingEventID: eventID,
		},
	})
	if err != nil {
		r.logger.Warn("publish entitlement change", zap.String("user_id", ent.UserID), zap.Error(err))
	}
}

func mirrorSubscription(ent *domain.Entitlement, sub billing.Subscription) {
	if sub.ID != "" {
		ent.SubscriptionRef = sub.ID
	}
	if sub.CustomerRef != "" {
		ent.CustomerRef = sub.CustomerRef
	}
	if sub.PeriodStart != nil {
		ent.PeriodStart = sub.PeriodStart
	}
	if sub.PeriodEnd != nil {
		ent.PeriodEnd = sub.PeriodEnd
	}
	ent.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
}
