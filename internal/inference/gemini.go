package inference

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// NewGeminiFactory returns a factory that talks to the Gemini API.
func NewGeminiFactory() BackendFactory {
	return func(ctx context.Context, apiKey string) (Backend, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, err
		}
		return &geminiBackend{client: client}, nil
	}
}

type geminiBackend struct {
	client *genai.Client
}

func (b *geminiBackend) Generate(ctx context.Context, req BackendRequest) (string, error) {
	contents := geminiContents(req)

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Params.Temperature),
		TopP:            genai.Ptr(req.Params.TopP),
		TopK:            genai.Ptr(req.Params.TopK),
		MaxOutputTokens: req.Params.MaxOutputTokens,
		CandidateCount:  1,
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := b.client.Models.GenerateContent(ctx, req.Params.Model, contents, cfg)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Text()), nil
}

// geminiContents maps history plus the new message onto genai turns,
// oldest first.
func geminiContents(req BackendRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))
}
