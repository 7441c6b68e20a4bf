package inference

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message passed to the backend, oldest first.
type Turn struct {
	Role    Role
	Content string
}

// Params are the sampling settings sent with every request.
type Params struct {
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int32
}

// DefaultParams mirror the production Gemini settings.
func DefaultParams() Params {
	return Params{
		Model:           "gemini-2.0-flash-001",
		Temperature:     0.9,
		TopP:            0.95,
		TopK:            40,
		MaxOutputTokens: 3000,
	}
}

type BackendRequest struct {
	Params       Params
	SystemPrompt string
	History      []Turn
	Message      string
}

// Backend performs one generation call with a fixed credential.
type Backend interface {
	Generate(ctx context.Context, req BackendRequest) (string, error)
}

// BackendFactory builds the Backend for one credential. Client caches the
// result per credential index.
type BackendFactory func(ctx context.Context, apiKey string) (Backend, error)

// LanguageDirective is appended to every system prompt so the reply
// mirrors the user's language.
func LanguageDirective(language string) string {
	if language == "" {
		language = "en"
	}
	return fmt.Sprintf("\n\nCRITICAL LANGUAGE REQUIREMENT: The user is writing in language code '%s'. "+
		"You MUST respond in the exact same language the user used. If they wrote in English, respond in English. "+
		"If they wrote in Hindi/Hinglish, respond in Hindi/Hinglish. If they wrote in any other language, match that language exactly. "+
		"This is mandatory - never respond in a different language than the user used.", language)
}
