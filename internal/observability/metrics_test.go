package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/x", "GET", 200, time.Millisecond)
		m.RecordError("/x", "GET", "NOT_FOUND")
		m.RecordRateLimit("avatar", "allowed")
		m.RecordWebhook("", "applied", time.Millisecond)
		m.RecordUpstreamError("billing", "create_customer")
		m.RecordEntitlementChange("webhook", true)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.RecordRateLimit("avatar", "allowed")
	m.RecordRateLimit("avatar", "allowed")
	m.RecordRateLimit("avatar", "throttled")
	m.RecordWebhook("", "invalid_signature", time.Millisecond)
	m.RecordEntitlementChange("webhook", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateLimit.WithLabelValues("avatar", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimit.WithLabelValues("avatar", "throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("unknown", "invalid_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entitlements.WithLabelValues("webhook", "true")))
}

func TestRequestLogger_RecordsRouteTemplate(t *testing.T) {
	m := NewMetrics()
	app := fiber.New()
	app.Use(RequestLogger(zap.NewNop(), m))
	app.Get("/items/:id", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/items/42", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestTotal.WithLabelValues("/items/:id", "GET", "204")))
}
