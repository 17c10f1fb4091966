package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures OpenAIGenerator.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ImageModel string
	ImageSize  string
	TextModel  string
	MaxTokens  int
	// RPS and Burst throttle outbound calls across all users.
	RPS   float64
	Burst int
}

// OpenAIGenerator implements ImageGenerator and TextGenerator.
type OpenAIGenerator struct {
	client  *openai.Client
	limiter *rate.Limiter
	cfg     OpenAIConfig
}

// NewOpenAIGenerator builds a generator. Without an API key every call
// returns ErrNotConfigured.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	g := &OpenAIGenerator{cfg: cfg}
	if strings.TrimSpace(cfg.APIKey) != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		g.client = openai.NewClientWithConfig(clientCfg)
	}
	if g.cfg.ImageModel == "" {
		g.cfg.ImageModel = openai.CreateImageModelDallE3
	}
	if g.cfg.ImageSize == "" {
		g.cfg.ImageSize = openai.CreateImageSize1024x1024
	}
	if g.cfg.TextModel == "" {
		g.cfg.TextModel = openai.GPT4o
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return g
}

// GenerateImage implements ImageGenerator.
func (g *OpenAIGenerator) GenerateImage(ctx context.Context, req ImageRequest) (Image, error) {
	if g.client == nil {
		return Image{}, ErrNotConfigured
	}
	if err := g.wait(ctx, "image"); err != nil {
		return Image{}, err
	}
	size := req.Size
	if size == "" {
		size = g.cfg.ImageSize
	}

	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          g.cfg.ImageModel,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return Image{}, translateError("image", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return Image{}, &ProviderError{Op: "image", Err: ErrEmptyResult}
	}
	return Image{
		URL:           resp.Data[0].URL,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
		Model:         g.cfg.ImageModel,
	}, nil
}

// GenerateText implements TextGenerator.
func (g *OpenAIGenerator) GenerateText(ctx context.Context, req TextRequest) (Text, error) {
	if g.client == nil {
		return Text{}, ErrNotConfigured
	}
	if err := g.wait(ctx, "text"); err != nil {
		return Text{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || (g.cfg.MaxTokens > 0 && maxTokens > g.cfg.MaxTokens) {
		maxTokens = g.cfg.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.TextModel,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0.8,
	})
	if err != nil {
		return Text{}, translateError("text", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Text{}, &ProviderError{Op: "text", Err: ErrEmptyResult}
	}
	return Text{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
}

func (g *OpenAIGenerator) wait(ctx context.Context, op string) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("throttle: %w", err)}
	}
	return nil
}

func translateError(op string, err error) error {
	pe := &ProviderError{Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.HTTPStatus = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok {
			pe.Code = code
		}
		if pe.Code == "content_policy_violation" {
			pe.Err = fmt.Errorf("%w: %s", ErrPromptRejected, apiErr.Message)
		}
	case errors.As(err, &reqErr):
		pe.HTTPStatus = reqErr.HTTPStatusCode
	}
	return pe
}
