package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/api/http/handlers"
	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/billing"
	"github.com/spec-kit/persona-service/internal/config"
	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/events"
	"github.com/spec-kit/persona-service/internal/generation"
	"github.com/spec-kit/persona-service/internal/observability"
	"github.com/spec-kit/persona-service/internal/ratelimit"
	"github.com/spec-kit/persona-service/internal/repository"
	"github.com/spec-kit/persona-service/internal/service"
)

const (
	testWebhookSecret = "whsec_router"
	testAdminToken    = "admin-secret"
)

type stubGenerator struct{}

func (stubGenerator) GenerateImage(context.Context, generation.ImageRequest) (generation.Image, error) {
	return generation.Image{URL: "https://img.example/a.png", Model: "dall-e-3"}, nil
}

func (stubGenerator) GenerateText(context.Context, generation.TextRequest) (generation.Text, error) {
	return generation.Text{Content: "Once upon a time", Model: "gpt-4o", FinishReason: "stop"}, nil
}

type testServer struct {
	app          *fiber.App
	entitlements *repository.MemoryEntitlements
	users        *repository.MemoryUsers
	processed    *billing.MemoryProcessedEvents
	metrics      *observability.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{}
	cfg.App.Name = "persona-service"
	cfg.Auth.JWTSecret = "router-secret"
	cfg.Auth.AccessTokenTTLMinutes = 5
	cfg.Auth.BcryptCost = 4
	cfg.RateLimit.Avatar = config.RouteLimit{Limit: 2, WindowMS: 60_000}
	cfg.RateLimit.Story = config.RouteLimit{Limit: 10, WindowMS: 60_000}
	cfg.RateLimit.Billing = config.RouteLimit{Limit: 10, WindowMS: 60_000}

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()
	users := repository.NewMemoryUsers()
	ents := repository.NewMemoryEntitlements()
	provider := billing.NewStripeProvider(billing.StripeConfig{WebhookSecret: testWebhookSecret})
	processed := billing.NewMemoryProcessedEvents(0, 0)

	authService := service.NewAuthService(cfg, service.AuthDependencies{UserRepo: users, Dispatcher: dispatcher, Logger: logger})
	verifier := auth.NewTokenVerifier(authService.TokenManager(), users, time.Second)
	gate := auth.NewGate(verifier, ratelimit.NewMemoryStore(), logger, metrics)

	billingService := service.NewBillingService("https://app.example", time.Second, service.BillingDependencies{
		Provider: provider, Users: users, Entitlements: ents, Dispatcher: dispatcher, Logger: logger, Metrics: metrics,
	})
	reconciler := service.NewReconciler(service.ReconcilerConfig{OrderingGuard: true, Timeout: time.Second}, service.ReconcilerDependencies{
		Provider:     provider,
		Processed:    processed,
		Entitlements: ents,
		Dispatcher:   dispatcher,
		Logger:       logger,
		Metrics:      metrics,
	})
	generationService := service.NewGenerationService(service.GenerationOptions{}, service.GenerationDependencies{
		Images: stubGenerator{}, Texts: stubGenerator{}, Entitlements: ents, Logger: logger, Metrics: metrics,
	})

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:     handlers.NewHealthHandler(cfg.App.Name, "test", nil),
		Users:      handlers.NewUsersHandler(authService),
		Billing:    handlers.NewBillingHandler(billingService, reconciler),
		Generation: handlers.NewGenerationHandler(generationService),
		Gate:       gate,
		Limits:     cfg.RateLimit,
		AdminToken: testAdminToken,
		Metrics:    metrics.Handler(),
	})
	return &testServer{app: app, entitlements: ents, users: users, processed: processed, metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*nethttp.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (s *testServer) register(t *testing.T, email string) (userID, token string) {
	t.Helper()
	resp, body := s.do(t, nethttp.MethodPost, "/auth/register", map[string]string{
		"name": "Ada", "email": email, "password": "correct horse",
	}, nil)
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	return data["user"].(map[string]any)["id"].(string), data["auth"].(map[string]any)["token"].(string)
}

func signedWebhook(t *testing.T, id, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id": id, "object": "event", "type": eventType, "created": time.Now().Unix(),
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: testWebhookSecret, Timestamp: time.Now(), Scheme: "v1",
	})
	return signed.Payload, signed.Header
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, nethttp.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))

	resp, body = s.do(t, nethttp.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestRouter_WebhookGrantsPremium(t *testing.T) {
	s := newTestServer(t)
	userID, token := s.register(t, "ada@example.com")

	payload, sig := signedWebhook(t, "evt_1", billing.EventTypeCheckoutCompleted, map[string]any{
		"id": "cs_1", "object": "checkout.session", "customer": "cus_1", "subscription": "sub_1",
		"metadata": map[string]string{"user_id": userID},
	})
	resp, body := s.do(t, nethttp.MethodPost, "/billing/webhook", payload, map[string]string{handlers.HeaderStripeSignature: sig})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["received"])

	resp, body = s.do(t, nethttp.MethodGet, "/billing/entitlement", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["is_premium"])
	assert.Equal(t, "active", data["status"])

	// Replay is acknowledged without another write.
	writes := s.entitlements.Writes()
	resp, _ = s.do(t, nethttp.MethodPost, "/billing/webhook", payload, map[string]string{handlers.HeaderStripeSignature: sig})
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, writes, s.entitlements.Writes())
}

func TestRouter_WebhookInFlightDuplicateConflicts(t *testing.T) {
	s := newTestServer(t)
	userID, _ := s.register(t, "grace@example.com")

	claim, err := s.processed.Claim(context.Background(), "evt_busy")
	require.NoError(t, err)
	require.Equal(t, billing.ClaimAcquired, claim)

	payload, sig := signedWebhook(t, "evt_busy", billing.EventTypeCheckoutCompleted, map[string]any{
		"id": "cs_1", "object": "checkout.session", "customer": "cus_1", "subscription": "sub_1",
		"metadata": map[string]string{"user_id": userID},
	})
	resp, body := s.do(t, nethttp.MethodPost, "/billing/webhook", payload, map[string]string{handlers.HeaderStripeSignature: sig})
	assert.Equal(t, nethttp.StatusConflict, resp.StatusCode)
	assert.Equal(t, "EVENT_IN_FLIGHT", body["error"].(map[string]any)["code"])
	assert.Equal(t, 0, s.entitlements.Len())

	// Once the first delivery lets go, the retry applies.
	require.NoError(t, s.processed.Release(context.Background(), "evt_busy"))
	resp, _ = s.do(t, nethttp.MethodPost, "/billing/webhook", payload, map[string]string{handlers.HeaderStripeSignature: sig})
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, s.entitlements.Len())
}

func TestRouter_WebhookSignatureErrors(t *testing.T) {
	s := newTestServer(t)
	payload, sig := signedWebhook(t, "evt_1", "invoice.paid", map[string]any{"id": "in_1"})

	resp, body := s.do(t, nethttp.MethodPost, "/billing/webhook", payload, nil)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "error")

	resp, _ = s.do(t, nethttp.MethodPost, "/billing/webhook", payload, map[string]string{
		handlers.HeaderStripeSignature: strings.Replace(sig, "v1=", "v1=00", 1),
	})
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, nethttp.MethodPost, "/billing/webhook", append(payload, ' '), map[string]string{handlers.HeaderStripeSignature: sig})
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_AvatarAdmission(t *testing.T) {
	s := newTestServer(t)
	_, token := s.register(t, "ada@example.com")
	authz := map[string]string{"Authorization": "Bearer " + token}

	resp, _ := s.do(t, nethttp.MethodPost, "/avatar/generate", map[string]string{"prompt": "a fox"}, nil)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	for i, want := range []string{"1", "0"} {
		resp, body := s.do(t, nethttp.MethodPost, "/avatar/generate", map[string]string{"prompt": "a fox"}, authz)
		require.Equal(t, nethttp.StatusOK, resp.StatusCode, i)
		assert.Equal(t, want, resp.Header.Get(auth.HeaderRateLimitRemaining))
		assert.Equal(t, "https://img.example/a.png", body["data"].(map[string]any)["url"])
	}

	resp, body := s.do(t, nethttp.MethodPost, "/avatar/generate", map[string]string{"prompt": "a fox"}, authz)
	assert.Equal(t, nethttp.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get(auth.HeaderRateLimitRemaining))
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "RATE_LIMITED", errBody["code"])
	assert.EqualValues(t, 0, errBody["details"].(map[string]any)["remaining"])

	// Story has its own bucket.
	resp, body = s.do(t, nethttp.MethodPost, "/story/generate", map[string]string{"prompt": "a fox"}, authz)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "Once upon a time", body["data"].(map[string]any)["content"])
}

func TestRouter_AuthErrors(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "ada@example.com")

	resp, body := s.do(t, nethttp.MethodPost, "/auth/login", map[string]string{"email": "ada@example.com", "password": "nope-nope"}, nil)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["error"].(map[string]any)["code"])

	resp, _ = s.do(t, nethttp.MethodPost, "/auth/register", []byte(`{not json`), nil)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, nethttp.MethodPost, "/auth/login", map[string]string{"email": "ada@example.com", "password": "correct horse"}, nil)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
}

func TestRouter_CheckoutValidation(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, nethttp.MethodPost, "/billing/checkout", map[string]string{"user_id": "not-a-uuid"}, nil)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", body["error"].(map[string]any)["code"])

	resp, _ = s.do(t, nethttp.MethodPost, "/billing/checkout", map[string]string{"user_id": "44444444-4444-4444-4444-444444444444"}, nil)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
}

func TestRouter_AdminOverride(t *testing.T) {
	s := newTestServer(t)
	userID, _ := s.register(t, "ada@example.com")

	resp, _ := s.do(t, nethttp.MethodPost, "/billing/admin/premium", map[string]string{"user_id": userID}, nil)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, nethttp.MethodPost, "/billing/admin/premium", map[string]string{"user_id": userID}, map[string]string{auth.HeaderAdminToken: testAdminToken})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["is_premium"])
	assert.Equal(t, true, data["manual_override"])

	ent, err := s.entitlements.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ent.ManualOverride)
	assert.Equal(t, domain.SubscriptionActive, ent.Status)
}

func TestRouter_PortalRequiresCustomer(t *testing.T) {
	s := newTestServer(t)
	_, token := s.register(t, "ada@example.com")

	resp, _ := s.do(t, nethttp.MethodPost, "/billing/portal", nil, nil)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, nethttp.MethodPost, "/billing/portal", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestRouter_UnknownRouteAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, nethttp.MethodGet, "/nope", nil, nil)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])

	req := httptest.NewRequest(nethttp.MethodGet, "/metrics", nil)
	mresp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, nethttp.StatusOK, mresp.StatusCode)
	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "http_requests_total")
}
