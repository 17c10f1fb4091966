package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/config"
	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/events"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

func newTestAuthService(t *testing.T, users repository.UserRepository) (*AuthService, *[]events.Event) {
	t.Helper()
	cfg := config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AccessTokenTTLMinutes = 5
	cfg.Auth.BcryptCost = 4

	dispatcher := events.NewInMemoryDispatcher()
	published := []events.Event{}
	dispatcher.Subscribe(events.EventUserRegistered, func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	})
	return NewAuthService(cfg, AuthDependencies{
		UserRepo:   users,
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	}), &published
}

func TestAuthService_RegisterAndLogin(t *testing.T) {
	svc, published := newTestAuthService(t, repository.NewMemoryUsers())
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Ada", " Ada@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.True(t, domain.ValidUserID(reg.User.ID))
	assert.Equal(t, "ada@example.com", reg.User.Email)
	assert.NotEqual(t, "correct horse", reg.User.PasswordHash)
	require.Len(t, *published, 1)

	claims, err := svc.TokenManager().ParseToken(reg.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)

	login, err := svc.Login(ctx, "ADA@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, login.User.ID)

	_, err = svc.Login(ctx, "ada@example.com", "wrong password")
	assert.True(t, apperrors.IsStatus(err, http.StatusUnauthorized))

	_, err = svc.Login(ctx, "nobody@example.com", "correct horse")
	assert.True(t, apperrors.IsStatus(err, http.StatusUnauthorized))
}

func TestAuthService_RegisterValidation(t *testing.T) {
	svc, _ := newTestAuthService(t, repository.NewMemoryUsers())
	ctx := context.Background()

	cases := []struct {
		name, email, password string
	}{
		{"", "a@example.com", "longenough"},
		{"Ada", "not-an-email", "longenough"},
		{"Ada", "a@example.com", "short"},
	}
	for _, tc := range cases {
		_, err := svc.Register(ctx, tc.name, tc.email, tc.password)
		assert.True(t, apperrors.IsStatus(err, http.StatusBadRequest), "%+v", tc)
	}

	_, err := svc.Register(ctx, "Ada", "a@example.com", "longenough")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "Ada again", "A@example.com", "longenough")
	de := apperrors.ToDomainError(err)
	assert.Equal(t, "CONFLICT", de.Code)
}

type brokenUsers struct{ repository.UserRepository }

func (brokenUsers) GetByEmail(context.Context, string) (*domain.User, error) {
	return nil, errors.New("connection refused")
}

func TestAuthService_LoginDatastoreFailure(t *testing.T) {
	svc, _ := newTestAuthService(t, brokenUsers{repository.NewMemoryUsers()})
	_, err := svc.Login(context.Background(), "a@example.com", "longenough")
	require.Error(t, err)
	de := apperrors.ToDomainError(err)
	assert.Equal(t, http.StatusInternalServerError, de.HTTPStatus)
	assert.NotContains(t, de.Message, "connection refused")
}

func TestAuthService_SuspendedUserCannotLogin(t *testing.T) {
	users := repository.NewMemoryUsers()
	svc, _ := newTestAuthService(t, users)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Ada", "a@example.com", "longenough")
	require.NoError(t, err)
	reg.User.Status = domain.UserStatusSuspended
	require.NoError(t, users.Update(ctx, reg.User))

	_, err = svc.Login(ctx, "a@example.com", "longenough")
	assert.True(t, apperrors.IsStatus(err, http.StatusForbidden))

	_, err = auth.NewTokenVerifier(svc.TokenManager(), users, 0).Verify(ctx, reg.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}
