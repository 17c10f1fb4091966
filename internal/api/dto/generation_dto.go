package dto

// AvatarRequest payload for POST /avatar/generate.
type AvatarRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
	Size   string `json:"size"`
}

// StoryRequest payload for POST /story/generate.
type StoryRequest struct {
	Prompt      string `json:"prompt"`
	PersonaName string `json:"persona_name"`
}
