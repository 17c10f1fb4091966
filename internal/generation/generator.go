// Package generation calls content-generation providers for avatar images
// and written stories.
package generation

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when provider credentials are missing.
	ErrNotConfigured = errors.New("generation: provider not configured")
	// ErrPromptRejected is returned when the provider refuses the prompt itself.
	ErrPromptRejected = errors.New("generation: prompt rejected by provider")
	// ErrEmptyResult is returned when the provider answered without content.
	ErrEmptyResult = errors.New("generation: provider returned no content")
)

// ImageRequest describes an image to generate.
type ImageRequest struct {
	Prompt string
	Size   string
}

// Image is a generated image reference.
type Image struct {
	URL           string
	RevisedPrompt string
	Model         string
}

// TextRequest describes a text completion.
type TextRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Text is a generated completion.
type Text struct {
	Content      string
	Model        string
	FinishReason string
	TotalTokens  int
}

// ImageGenerator produces images from prompts.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}

// TextGenerator produces text from prompts.
type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (Text, error)
}

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Op         string
	HTTPStatus int
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("generation %s failed (status %d, code %q): %v", e.Op, e.HTTPStatus, e.Code, e.Err)
	}
	return fmt.Sprintf("generation %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
