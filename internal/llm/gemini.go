package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel     = "gemini-2.5-flash"
	defaultGeminiMaxTokens = 4096
)

// GeminiClient completes through the Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
}

func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultGeminiMaxTokens
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		maxTokens:   int32(maxTokens),
		temperature: float32(cfg.Temperature),
	}, nil
}

func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	result, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(userPrompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(c.temperature),
			MaxOutputTokens:   c.maxTokens,
		})
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned no text content")
	}
	return text, nil
}

func (c *GeminiClient) Name() string {
	return fmt.Sprintf("gemini:%s", c.model)
}
