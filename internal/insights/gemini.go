package insights

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/merit-monitoring/chatpulse/internal/config"
)

// Gemini summarizes with a Gemini model.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini API client.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Name returns the provider name.
func (g *Gemini) Name() string {
	return "gemini"
}

// Summarize sends prompt and returns the generated text.
func (g *Gemini) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.3),
	})
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

// New builds the service selected by cfg. Provider "none" yields a
// disabled service.
func New(ctx context.Context, cfg *config.InsightsConfig) (*Service, error) {
	timeout, err := cfg.TimeoutParsed()
	if err != nil {
		return nil, fmt.Errorf("parsing insights timeout: %w", err)
	}
	switch cfg.Provider {
	case "", "none":
		return NewService(nil, timeout), nil
	case "gemini":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return NewService(g, timeout), nil
	default:
		return nil, fmt.Errorf("unknown insights provider %q", cfg.Provider)
	}
}
