package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/persona-service/internal/api/dto"
	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/service"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

// HeaderStripeSignature carries the provider's webhook signature.
const HeaderStripeSignature = "Stripe-Signature"

// BillingHandler exposes checkout, portal and webhook endpoints.
type BillingHandler struct {
	billing    *service.BillingService
	reconciler *service.Reconciler
}

// NewBillingHandler constructs handler.
func NewBillingHandler(billingService *service.BillingService, reconciler *service.Reconciler) *BillingHandler {
	return &BillingHandler{billing: billingService, reconciler: reconciler}
}

// Webhook handles POST /billing/webhook. The raw body is verified before it
// is parsed, so it must not pass through a body parser first.
func (h *BillingHandler) Webhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	_, err := h.reconciler.HandleWebhook(c.UserContext(), payload, c.Get(HeaderStripeSignature))
	if errors.Is(err, service.ErrEventInFlight) {
		return apperrors.NewDomainError("EVENT_IN_FLIGHT", "event is being processed, retry later", fiber.StatusConflict, nil)
	}
	if err != nil {
		return err
	}
	return c.JSON(dto.WebhookResponse{Received: true})
}

// Checkout handles POST /billing/checkout.
func (h *BillingHandler) Checkout(c *fiber.Ctx) error {
	var req dto.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.UserID == "" {
		return apperrors.NewValidationError("user_id required", nil)
	}

	res, err := h.billing.StartCheckout(c.UserContext(), req.UserID, req.Email)
	if err != nil {
		return err
	}
	return c.JSON(dto.CheckoutResponse{SessionID: res.SessionID, URL: res.URL})
}

// Portal handles POST /billing/portal.
func (h *BillingHandler) Portal(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	url, err := h.billing.OpenPortal(c.UserContext(), identity.UserID)
	if err != nil {
		return err
	}
	return c.JSON(dto.URLResponse{URL: url})
}

// Verify handles POST /billing/verify.
func (h *BillingHandler) Verify(c *fiber.Ctx) error {
	var req dto.VerifySessionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := h.billing.VerifySession(c.UserContext(), req.SessionID); err != nil {
		return err
	}
	return c.JSON(dto.SuccessResponse{Success: true})
}

// Cancel handles POST /billing/cancel.
func (h *BillingHandler) Cancel(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := h.billing.CancelSubscription(c.UserContext(), identity, req.SubscriptionID); err != nil {
		return err
	}
	return c.JSON(dto.SuccessResponse{Success: true})
}

// Entitlement handles GET /billing/entitlement.
func (h *BillingHandler) Entitlement(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	ent, err := h.billing.Entitlement(c.UserContext(), identity.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewEntitlementResponse(ent)})
}

// GrantPremium handles POST /billing/admin/premium.
func (h *BillingHandler) GrantPremium(c *fiber.Ctx) error {
	var req dto.GrantPremiumRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ent, err := h.billing.GrantPremium(c.UserContext(), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewEntitlementResponse(ent)})
}
