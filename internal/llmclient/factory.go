// Package llmclient holds the provider adapters behind llm.Client.
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"specforge/internal/llm"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderFake      = "fake"
)

// Config selects and configures one provider.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	// Respond drives the fake provider; nil echoes the prompt.
	Respond Responder
}

// New builds the bare adapter for cfg.Provider. Callers add middleware and caching.
func New(ctx context.Context, cfg Config) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderAnthropic, "":
		return NewAnthropic(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case ProviderGemini:
		return NewGemini(ctx, cfg.APIKey)
	case ProviderFake:
		return NewFake(cfg.Respond), nil
	}
	return nil, fmt.Errorf("llmclient: unknown provider %q", cfg.Provider)
}

// Providers lists the accepted provider names.
func Providers() []string {
	return []string{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderFake}
}
