package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenthands/rubric/internal/config"
)

// NewClient builds a backend client for one role from its config.
func NewClient(ctx context.Context, cfg config.RoleConfig) (LLMClient, error) {
	provider := strings.ToLower(cfg.Provider)

	switch provider {
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil

	case "gemini":
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model)

	case "claude":
		return NewClaudeClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil

	case "ollama":
		// Ollama speaks the OpenAI-compatible API; point the OpenAI
		// client at it. The API key is ignored by Ollama but required
		// by the client config.
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		return NewOpenAIClient(apiKey, cfg.Model, ollamaBaseURL(cfg.BaseURL)+"/v1"), nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// ollamaBaseURL normalizes the configured URL to the server root,
// without the OpenAI-compatible /v1 suffix.
func ollamaBaseURL(raw string) string {
	if raw == "" {
		return "http://localhost:11434"
	}
	return strings.TrimSuffix(strings.TrimRight(raw, "/"), "/v1")
}
