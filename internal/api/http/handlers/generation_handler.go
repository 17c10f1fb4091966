package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/persona-service/internal/api/dto"
	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/service"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

// GenerationHandler exposes the rate-limited generation endpoints.
type GenerationHandler struct {
	service *service.GenerationService
}

// NewGenerationHandler constructs handler.
func NewGenerationHandler(generationService *service.GenerationService) *GenerationHandler {
	return &GenerationHandler{service: generationService}
}

// Avatar handles POST /avatar/generate.
func (h *GenerationHandler) Avatar(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.AvatarRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	res, err := h.service.GenerateAvatar(c.UserContext(), identity, service.AvatarRequest{
		Prompt: req.Prompt,
		Style:  req.Style,
		Size:   req.Size,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": res})
}

// Story handles POST /story/generate.
func (h *GenerationHandler) Story(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.StoryRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	res, err := h.service.GenerateStory(c.UserContext(), identity, service.StoryRequest{
		Prompt:      req.Prompt,
		PersonaName: req.PersonaName,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": res})
}
