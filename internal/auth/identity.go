package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/repository"
)

// ErrInvalidCredential covers malformed, expired, forged and revoked credentials.
var ErrInvalidCredential = errors.New("invalid credential")

// IdentityVerifier exchanges a bearer credential for a verified identity.
// Any error other than ErrInvalidCredential means the provider is unavailable.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}

// TokenVerifier verifies JWTs issued by TokenManager and confirms the subject
// still exists and is active.
type TokenVerifier struct {
	tokens  *TokenManager
	users   repository.UserRepository
	timeout time.Duration
}

// NewTokenVerifier builds a verifier. timeout bounds the user lookup.
func NewTokenVerifier(tokens *TokenManager, users repository.UserRepository, timeout time.Duration) *TokenVerifier {
	return &TokenVerifier{tokens: tokens, users: users, timeout: timeout}
}

// Verify implements IdentityVerifier.
func (v *TokenVerifier) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	claims, err := v.tokens.ParseToken(credential)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	user, err := v.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Identity{}, fmt.Errorf("%w: unknown subject", ErrInvalidCredential)
		}
		return domain.Identity{}, fmt.Errorf("load user: %w", err)
	}
	if user.Status != domain.UserStatusActive {
		return domain.Identity{}, fmt.Errorf("%w: user %s", ErrInvalidCredential, user.Status)
	}
	return domain.Identity{UserID: user.ID, Email: user.Email}, nil
}
