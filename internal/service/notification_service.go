package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/config"
	"github.com/spec-kit/persona-service/internal/events"
)

// NotificationService emits user-facing notifications for domain events.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventUserRegistered, n.handleUserRegistered)
	n.dispatcher.Subscribe(events.EventEntitlementChanged, n.handleEntitlementChanged)
	n.dispatcher.Subscribe(events.EventCancellationStarted, n.handleCancellationStarted)
}

func (n *NotificationService) handleUserRegistered(ctx context.Context, event events.Event) error {
	n.logger.Info("UserRegistered", zap.String("user_id", event.UserID))
	n.sendEmailNotificationStub(ctx, event, "welcome")
	return nil
}

func (n *NotificationService) handleEntitlementChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.EntitlementChangedPayload)
	if !ok {
		n.logger.Warn("EntitlementChanged without payload", zap.String("user_id", event.UserID))
		return nil
	}
	n.logger.Info("EntitlementChanged",
		zap.String("user_id", event.UserID),
		zap.Bool("is_premium", payload.IsPremium),
		zap.String("status", string(payload.Status)),
		zap.String("source", payload.Source),
		zap.String("billing_event_id", payload.BillingEventID),
	)
	switch {
	case payload.IsPremium && !payload.WasPremium:
		n.sendEmailNotificationStub(ctx, event, "premium_activated")
	case !payload.IsPremium && payload.WasPremium:
		n.sendEmailNotificationStub(ctx, event, "premium_ended")
	}
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleCancellationStarted(ctx context.Context, event events.Event) error {
	n.logger.Info("CancellationStarted", zap.String("user_id", event.UserID), zap.Any("payload", event.Payload))
	n.sendEmailNotificationStub(ctx, event, "cancellation_scheduled")
	return nil
}

func (n *NotificationService) sendEmailNotificationStub(_ context.Context, event events.Event, template string) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("template", template),
		zap.String("user_id", event.UserID),
		zap.String("event_type", string(event.Type)))
}

func (n *NotificationService) sendWebhookNotificationStub(_ context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("sendWebhookNotificationStub",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("user_id", event.UserID),
		zap.String("event_type", string(event.Type)))
}
