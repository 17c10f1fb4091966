package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/generation"
	"github.com/spec-kit/persona-service/internal/observability"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

const (
	providerGeneration = "generation"

	// MaxPromptLength bounds user-supplied prompts in characters.
	MaxPromptLength = 1000
	// FreeStoryTokens caps story length for users without premium.
	FreeStoryTokens = 400

	defaultAvatarSize = "1024x1024"
)

// premiumAvatarSizes are the extra image sizes unlocked by premium.
var premiumAvatarSizes = map[string]bool{
	"1792x1024": true,
	"1024x1792": true,
}

// AvatarRequest is the input of GenerateAvatar.
type AvatarRequest struct {
	Prompt string
	Style  string
	Size   string
}

// AvatarResult is a generated avatar.
type AvatarResult struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	Model         string `json:"model"`
	Size          string `json:"size"`
}

// StoryRequest is the input of GenerateStory.
type StoryRequest struct {
	Prompt      string
	PersonaName string
}

// StoryResult is a generated story.
type StoryResult struct {
	Content   string `json:"content"`
	Model     string `json:"model"`
	Premium   bool   `json:"premium"`
	Truncated bool   `json:"truncated"`
}

// GenerationService produces avatars and stories for verified callers.
type GenerationService struct {
	images            generation.ImageGenerator
	texts             generation.TextGenerator
	entitlements      repository.EntitlementRepository
	logger            *zap.Logger
	metrics           *observability.Metrics
	premiumTokens     int
	timeout           time.Duration
	entitlementLookup time.Duration
}

// GenerationDependencies groups the generation service's collaborators.
type GenerationDependencies struct {
	Images       generation.ImageGenerator
	Texts        generation.TextGenerator
	Entitlements repository.EntitlementRepository
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// GenerationOptions tunes the generation service.
type GenerationOptions struct {
	// PremiumStoryTokens caps story length for premium users.
	PremiumStoryTokens int
	// Timeout bounds each provider call.
	Timeout time.Duration
	// LookupTimeout bounds the entitlement read.
	LookupTimeout time.Duration
}

// NewGenerationService builds the service.
func NewGenerationService(opts GenerationOptions, deps GenerationDependencies) *GenerationService {
	if opts.PremiumStoryTokens <= FreeStoryTokens {
		opts.PremiumStoryTokens = FreeStoryTokens * 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	return &GenerationService{
		images:            deps.Images,
		texts:             deps.Texts,
		entitlements:      deps.Entitlements,
		logger:            deps.Logger,
		metrics:           deps.Metrics,
		premiumTokens:     opts.PremiumStoryTokens,
		timeout:           opts.Timeout,
		entitlementLookup: opts.LookupTimeout,
	}
}

// GenerateAvatar renders an avatar image. Non-square sizes need premium.
func (s *GenerationService) GenerateAvatar(ctx context.Context, identity domain.Identity, req AvatarRequest) (*AvatarResult, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	size := strings.TrimSpace(req.Size)
	if size == "" {
		size = defaultAvatarSize
	}
	if size != defaultAvatarSize {
		if !premiumAvatarSizes[size] {
			return nil, apperrors.NewValidationError("unsupported size", map[string]any{"size": size})
		}
		if !s.isPremium(ctx, identity.UserID) {
			return nil, apperrors.NewForbidden("this size requires a premium subscription")
		}
	}
	if style := strings.TrimSpace(req.Style); style != "" {
		prompt = fmt.Sprintf("%s, in a %s style", prompt, style)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	img, err := s.images.GenerateImage(callCtx, generation.ImageRequest{
		Prompt: "Portrait avatar, centered, plain background: " + prompt,
		Size:   size,
	})
	if err != nil {
		return nil, s.translate("image", identity.UserID, err)
	}
	return &AvatarResult{URL: img.URL, RevisedPrompt: img.RevisedPrompt, Model: img.Model, Size: size}, nil
}

// GenerateStory writes a short story. Premium users get longer stories.
func (s *GenerationService) GenerateStory(ctx context.Context, identity domain.Identity, req StoryRequest) (*StoryResult, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	premium := s.isPremium(ctx, identity.UserID)
	maxTokens := FreeStoryTokens
	if premium {
		maxTokens = s.premiumTokens
	}

	system := "You write vivid, family-friendly short stories."
	if name := strings.TrimSpace(req.PersonaName); name != "" {
		system += fmt.Sprintf(" The main character is %q.", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	text, err := s.texts.GenerateText(callCtx, generation.TextRequest{
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, s.translate("text", identity.UserID, err)
	}
	return &StoryResult{
		Content:   text.Content,
		Model:     text.Model,
		Premium:   premium,
		Truncated: text.FinishReason == "length",
	}, nil
}

// isPremium reads the caller's entitlement. A failed read degrades to the
// free tier rather than failing the request.
func (s *GenerationService) isPremium(ctx context.Context, userID string) bool {
	if s.entitlements == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.entitlementLookup)
	defer cancel()
	ent, err := s.entitlements.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("entitlement lookup failed; using free tier", zap.String("user_id", userID), zap.Error(err))
			s.metrics.RecordUpstreamError("datastore", "get_entitlement")
		}
		return false
	}
	return ent.IsPremium
}

func (s *GenerationService) translate(op, userID string, err error) error {
	if errors.Is(err, generation.ErrPromptRejected) {
		s.logger.Info("prompt rejected by provider", zap.String("op", op), zap.String("user_id", userID))
		return apperrors.NewValidationError("prompt was rejected by the content provider", nil)
	}
	s.logger.Error("generation provider call failed", zap.String("op", op), zap.String("user_id", userID), zap.Error(err))
	s.metrics.RecordUpstreamError(providerGeneration, op)
	return apperrors.NewUpstreamError(providerGeneration, err)
}

func validatePrompt(raw string) (string, error) {
	prompt := strings.TrimSpace(raw)
	if prompt == "" {
		return "", apperrors.NewValidationError("prompt is required", nil)
	}
	if n := utf8.RuneCountInString(prompt); n > MaxPromptLength {
		return "", apperrors.NewValidationError("prompt is too long", map[string]any{
			"max_length": MaxPromptLength,
			"length":     n,
		})
	}
	return prompt, nil
}
