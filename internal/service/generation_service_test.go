package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/persona-service/internal/domain"
	"github.com/spec-kit/persona-service/internal/generation"
	"github.com/spec-kit/persona-service/internal/repository"
	apperrors "github.com/spec-kit/persona-service/pkg/util/errorutil"
)

type fakeGenerator struct {
	imageReqs []generation.ImageRequest
	textReqs  []generation.TextRequest
	err       error
	slow      bool
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, req generation.ImageRequest) (generation.Image, error) {
	f.imageReqs = append(f.imageReqs, req)
	if f.slow {
		<-ctx.Done()
		return generation.Image{}, ctx.Err()
	}
	if f.err != nil {
		return generation.Image{}, f.err
	}
	return generation.Image{URL: "https://img.example/1.png", Model: "dall-e-3"}, nil
}

func (f *fakeGenerator) GenerateText(_ context.Context, req generation.TextRequest) (generation.Text, error) {
	f.textReqs = append(f.textReqs, req)
	if f.err != nil {
		return generation.Text{}, f.err
	}
	return generation.Text{Content: "Once upon a time", Model: "gpt-4o", FinishReason: "length"}, nil
}

type erroringEntitlements struct{ repository.EntitlementRepository }

func (erroringEntitlements) Get(context.Context, string) (*domain.Entitlement, error) {
	return nil, errors.New("datastore down")
}

func newGenerationFixture(t *testing.T, ents repository.EntitlementRepository) (*GenerationService, *fakeGenerator) {
	t.Helper()
	gen := &fakeGenerator{}
	svc := NewGenerationService(GenerationOptions{PremiumStoryTokens: 1500, Timeout: 100 * time.Millisecond}, GenerationDependencies{
		Images:       gen,
		Texts:        gen,
		Entitlements: ents,
		Logger:       zap.NewNop(),
	})
	return svc, gen
}

var genIdentity = domain.Identity{UserID: scenarioUserID, Email: "ada@example.com"}

func TestGenerationService_StoryLengthFollowsEntitlement(t *testing.T) {
	ents := repository.NewMemoryEntitlements()
	svc, gen := newGenerationFixture(t, ents)
	ctx := context.Background()

	res, err := svc.GenerateStory(ctx, genIdentity, StoryRequest{Prompt: "a brave fox", PersonaName: "Rook"})
	require.NoError(t, err)
	assert.False(t, res.Premium)
	assert.True(t, res.Truncated)
	assert.Equal(t, FreeStoryTokens, gen.textReqs[0].MaxTokens)
	assert.Contains(t, gen.textReqs[0].System, `"Rook"`)

	ent := domain.NewEntitlement(scenarioUserID)
	ent.ApplyStatus(domain.SubscriptionActive)
	require.NoError(t, ents.Save(ctx, ent))

	res, err = svc.GenerateStory(ctx, genIdentity, StoryRequest{Prompt: "a brave fox"})
	require.NoError(t, err)
	assert.True(t, res.Premium)
	assert.Equal(t, 1500, gen.textReqs[1].MaxTokens)
}

func TestGenerationService_EntitlementFailureDegradesToFreeTier(t *testing.T) {
	svc, gen := newGenerationFixture(t, erroringEntitlements{})
	res, err := svc.GenerateStory(context.Background(), genIdentity, StoryRequest{Prompt: "a fox"})
	require.NoError(t, err)
	assert.False(t, res.Premium)
	assert.Equal(t, FreeStoryTokens, gen.textReqs[0].MaxTokens)
}

func TestGenerationService_PromptValidation(t *testing.T) {
	svc, gen := newGenerationFixture(t, repository.NewMemoryEntitlements())
	ctx := context.Background()

	for _, prompt := range []string{"", "   ", strings.Repeat("x", MaxPromptLength+1)} {
		_, err := svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: prompt})
		assert.True(t, apperrors.IsStatus(err, http.StatusBadRequest))
		_, err = svc.GenerateStory(ctx, genIdentity, StoryRequest{Prompt: prompt})
		assert.True(t, apperrors.IsStatus(err, http.StatusBadRequest))
	}
	assert.Empty(t, gen.imageReqs)
	assert.Empty(t, gen.textReqs)
}

func TestGenerationService_AvatarSizes(t *testing.T) {
	ents := repository.NewMemoryEntitlements()
	svc, gen := newGenerationFixture(t, ents)
	ctx := context.Background()

	res, err := svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: "a fox", Style: "watercolor"})
	require.NoError(t, err)
	assert.Equal(t, "1024x1024", res.Size)
	assert.Contains(t, gen.imageReqs[0].Prompt, "watercolor")

	_, err = svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: "a fox", Size: "1792x1024"})
	assert.True(t, apperrors.IsStatus(err, http.StatusForbidden))

	_, err = svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: "a fox", Size: "64x64"})
	assert.True(t, apperrors.IsStatus(err, http.StatusBadRequest))

	_, err = svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: "a fox", Size: "1024x1792"})
	require.Error(t, err)

	ent := domain.NewEntitlement(scenarioUserID)
	ent.GrantOverride()
	require.NoError(t, ents.Save(ctx, ent))
	res, err = svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: "a fox", Size: "1792x1024"})
	require.NoError(t, err)
	assert.Equal(t, "1792x1024", res.Size)
}

func TestGenerationService_ProviderErrors(t *testing.T) {
	svc, gen := newGenerationFixture(t, repository.NewMemoryEntitlements())
	ctx := context.Background()

	gen.err = &generation.ProviderError{Op: "image", Code: "content_policy_violation", Err: fmt.Errorf("%w: nope", generation.ErrPromptRejected)}
	_, err := svc.GenerateAvatar(ctx, genIdentity, AvatarRequest{Prompt: "a fox"})
	assert.True(t, apperrors.IsStatus(err, http.StatusBadRequest))

	gen.err = &generation.ProviderError{Op: "text", HTTPStatus: 503, Err: errors.New("secret upstream detail")}
	_, err = svc.GenerateStory(ctx, genIdentity, StoryRequest{Prompt: "a fox"})
	de := apperrors.ToDomainError(err)
	assert.Equal(t, http.StatusInternalServerError, de.HTTPStatus)
	assert.NotContains(t, de.Message, "secret")
}

func TestGenerationService_Timeout(t *testing.T) {
	svc, gen := newGenerationFixture(t, repository.NewMemoryEntitlements())
	gen.slow = true

	_, err := svc.GenerateAvatar(context.Background(), genIdentity, AvatarRequest{Prompt: "a fox"})
	assert.True(t, apperrors.IsStatus(err, http.StatusInternalServerError))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
