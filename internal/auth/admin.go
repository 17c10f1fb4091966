package auth

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

// HeaderAdminToken carries the shared administrative secret.
const HeaderAdminToken = "X-Admin-Token"

// RequireAdminToken guards administrative routes with a shared secret. An
// empty configured token disables the routes entirely.
func RequireAdminToken(token string) fiber.Handler {
	expected := []byte(token)
	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return apperrors.NewForbidden("admin access disabled")
		}
		provided := c.Get(HeaderAdminToken)
		if provided == "" {
			return apperrors.NewUnauthorized("missing admin token")
		}
		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			return apperrors.NewUnauthorized("invalid admin token")
		}
		return c.Next()
	}
}
