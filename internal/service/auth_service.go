package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/config"
	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/events"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

// AuthService coordinates registration and login flows.
type AuthService struct {
	users      repository.UserRepository
	tokenMgr   *auth.TokenManager
	dispatcher events.Dispatcher
	logger     *zap.Logger
	bcryptCost int
	timeout    time.Duration
}

// AuthDependencies encapsulates collaborators for the auth service.
type AuthDependencies struct {
	UserRepo     repository.UserRepository
	TokenManager *auth.TokenManager
	Dispatcher   events.Dispatcher
	Logger       *zap.Logger
}

// NewAuthService builds the service.
func NewAuthService(cfg config.Config, deps AuthDependencies) *AuthService {
	tm := deps.TokenManager
	if tm == nil {
		tm = auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	}
	return &AuthService{
		users:      deps.UserRepo,
		tokenMgr:   tm,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger,
		bcryptCost: cfg.Auth.BcryptCost,
		timeout:    cfg.Upstream.Timeout(),
	}
}

// Register creates a new account and issues its first token.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*AuthResult, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return nil, apperrors.NewValidationError("name is required", nil)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperrors.NewValidationError("email is invalid", map[string]any{"email": email})
	}
	if err := auth.ValidatePassword(password); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	user := &domain.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Status:       domain.UserStatusActive,
	}

	dbCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.users.Create(dbCtx, user)
	cancel()
	switch {
	case errors.Is(err, repository.ErrDuplicateEmail):
		return nil, apperrors.NewConflict("email already registered", nil)
	case err != nil:
		return nil, apperrors.NewUpstreamError("datastore", err)
	}

	result, err := s.issue(user)
	if err != nil {
		return nil, err
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Publish(ctx, events.Event{
			Type:    events.EventUserRegistered,
			UserID:  user.ID,
			Payload: events.UserRegisteredPayload{Email: user.Email, Name: user.Name},
		}); err != nil {
			s.logger.Warn("publish user registered", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return result, nil
}

// Login authenticates a user by email and password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.timeout)
	user, err := s.users.GetByEmail(dbCtx, normalizeEmail(email))
	cancel()
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.NewUnauthorized("invalid credentials")
	case err != nil:
		return nil, apperrors.NewUpstreamError("datastore", err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, apperrors.NewUnauthorized("invalid credentials")
	}
	if user.Status != domain.UserStatusActive {
		return nil, apperrors.NewForbidden("account suspended")
	}
	return s.issue(user)
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

func (s *AuthService) issue(user *domain.User) (*AuthResult, error) {
	token, exp, err := s.tokenMgr.GenerateToken(user.ID, user.Email)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &AuthResult{User: user, Token: token, ExpiresAt: exp}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
