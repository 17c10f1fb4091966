package http

import (
	nethttp "net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/persona-service/internal/api/http/handlers"
	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/config"
)

// Route names used as rate-limit keys.
const (
	RouteAvatar  = "avatar"
	RouteStory   = "story"
	RouteBilling = "billing"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health     *handlers.HealthHandler
	Users      *handlers.UsersHandler
	Billing    *handlers.BillingHandler
	Generation *handlers.GenerationHandler
	Gate       *auth.Gate
	Limits     config.RateLimitConfig
	AdminToken string
	// Metrics is served on /metrics when set.
	Metrics nethttp.Handler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}

	authGroup := app.Group("/auth")
	authGroup.Post("/register", cfg.Users.Register)
	authGroup.Post("/login", cfg.Users.Login)

	billing := app.Group("/billing")
	billing.Post("/webhook", cfg.Billing.Webhook)
	billing.Post("/checkout", cfg.Billing.Checkout)
	billing.Post("/verify", cfg.Billing.Verify)
	billing.Post("/portal", cfg.Gate.Limit(RouteBilling, cfg.Limits.Billing), cfg.Billing.Portal)
	billing.Post("/cancel", cfg.Gate.Limit(RouteBilling, cfg.Limits.Billing), cfg.Billing.Cancel)
	billing.Get("/entitlement", cfg.Gate.Authenticate(), cfg.Billing.Entitlement)
	billing.Post("/admin/premium", auth.RequireAdminToken(cfg.AdminToken), cfg.Billing.GrantPremium)

	app.Post("/avatar/generate", cfg.Gate.Limit(RouteAvatar, cfg.Limits.Avatar), cfg.Generation.Avatar)
	app.Post("/story/generate", cfg.Gate.Limit(RouteStory, cfg.Limits.Story), cfg.Generation.Story)
}
