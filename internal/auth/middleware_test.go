package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/config"
	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/ratelimit"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

type countingStore struct {
	inner ratelimit.Store
	calls atomic.Int32
	err   error
}

func (s *countingStore) Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return ratelimit.Result{}, s.err
	}
	return s.inner.Check(ctx, key, limit, window)
}

type stubVerifier struct {
	identity domain.Identity
	err      error
}

func (v stubVerifier) Verify(context.Context, string) (domain.Identity, error) {
	return v.identity, v.err
}

func newGateApp(verifier IdentityVerifier, store ratelimit.Store, rl config.RouteLimit) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).JSON(fiber.Map{"error": fiber.Map{"code": de.Code, "details": de.Details}})
		},
	})
	gate := NewGate(verifier, store, zap.NewNop(), nil)
	app.Post("/avatar/generate", gate.Limit("avatar", rl), func(c *fiber.Ctx) error {
		id, ok := IdentityFromContext(c)
		if !ok {
			return errors.New("identity missing")
		}
		return c.SendString(id.UserID)
	})
	return app
}

func newTokenFixture(t *testing.T) (*TokenManager, *repository.MemoryUsers, *domain.User) {
	t.Helper()
	users := repository.NewMemoryUsers()
	user := &domain.User{Name: "Ada", Email: "ada@example.com", Status: domain.UserStatusActive}
	require.NoError(t, users.Create(context.Background(), user))
	return NewTokenManager("test-secret", 5), users, user
}

func doRequest(t *testing.T, app *fiber.App, authorization string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/avatar/generate", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestGate_MissingCredentialRejectedBeforeLimiter(t *testing.T) {
	store := &countingStore{inner: ratelimit.NewMemoryStore()}
	app := newGateApp(stubVerifier{}, store, config.RouteLimit{Limit: 5, WindowMS: 60_000})

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer"} {
		resp := doRequest(t, app, header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)
	}
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestGate_InvalidTokenIs401(t *testing.T) {
	tokens, users, _ := newTokenFixture(t)
	store := &countingStore{inner: ratelimit.NewMemoryStore()}
	app := newGateApp(NewTokenVerifier(tokens, users, time.Second), store, config.RouteLimit{Limit: 5, WindowMS: 60_000})

	resp := doRequest(t, app, "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := NewTokenManager("other-secret", 5)
	forged, _, err := other.GenerateToken("11111111-1111-1111-1111-111111111111", "x@example.com")
	require.NoError(t, err)
	resp = doRequest(t, app, "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestGate_ThrottlesWithRemainingHeader(t *testing.T) {
	tokens, users, user := newTokenFixture(t)
	token, _, err := tokens.GenerateToken(user.ID, user.Email)
	require.NoError(t, err)

	app := newGateApp(NewTokenVerifier(tokens, users, time.Second), ratelimit.NewMemoryStore(), config.RouteLimit{Limit: 2, WindowMS: 60_000})

	resp := doRequest(t, app, "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(HeaderRateLimitRemaining))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, user.ID, string(body))

	resp = doRequest(t, app, "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get(HeaderRateLimitRemaining))

	resp = doRequest(t, app, "Bearer "+token)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get(HeaderRateLimitRemaining))
	assert.Equal(t, "2", resp.Header.Get(HeaderRateLimitLimit))
}

func TestGate_IdentityProviderFailureIs500(t *testing.T) {
	store := &countingStore{inner: ratelimit.NewMemoryStore()}
	app := newGateApp(stubVerifier{err: errors.New("connection refused")}, store, config.RouteLimit{Limit: 5, WindowMS: 60_000})

	resp := doRequest(t, app, "Bearer anything")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestGate_LimiterFailureAdmits(t *testing.T) {
	store := &countingStore{err: errors.New("redis down")}
	app := newGateApp(stubVerifier{identity: domain.Identity{UserID: "u1"}}, store, config.RouteLimit{Limit: 5, WindowMS: 60_000})

	resp := doRequest(t, app, "Bearer anything")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderRateLimitRemaining))
}

func TestTokenVerifier_SuspendedUserRejected(t *testing.T) {
	tokens, users, user := newTokenFixture(t)
	user.Status = domain.UserStatusSuspended
	require.NoError(t, users.Update(context.Background(), user))
	token, _, err := tokens.GenerateToken(user.ID, user.Email)
	require.NoError(t, err)

	_, err = NewTokenVerifier(tokens, users, time.Second).Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTokenManager_ExpiredTokenRejected(t *testing.T) {
	tm := NewTokenManager("secret", 1)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return issued }
	token, _, err := tm.GenerateToken("u1", "a@example.com")
	require.NoError(t, err)

	_, err = tm.ParseToken(token)
	require.NoError(t, err)

	tm.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = tm.ParseToken(token)
	assert.Error(t, err)
}

func TestRequireAdminToken(t *testing.T) {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.SendStatus(apperrors.ToDomainError(err).HTTPStatus)
		},
	})
	app.Post("/admin", RequireAdminToken("s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })
	app.Post("/disabled", RequireAdminToken(""), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	cases := []struct {
		path   string
		token  string
		status int
	}{
		{"/admin", "", http.StatusUnauthorized},
		{"/admin", "wrong", http.StatusUnauthorized},
		{"/admin", "s3cret", http.StatusNoContent},
		{"/disabled", "anything", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, nil)
		if tc.token != "" {
			req.Header.Set(HeaderAdminToken, tc.token)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, "%s %q", tc.path, tc.token)
	}
}
