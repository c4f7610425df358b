package reload

import (
	"context"

	"github.com/MAXAPIPULL00/aratta/internal/provider"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// NewVerifier returns the standard post-swap verification: a health check
// followed by a canary chat. The canary carries a no-op tool definition so
// verification exercises message conversion, tool conversion, and
// response normalization, the schema-sensitive paths a healed spec could
// have broken.
func NewVerifier(reg *provider.Registry) VerifyFunc {
	return func(ctx context.Context, providerName string) error {
		adapter, err := reg.Get(providerName)
		if err != nil {
			return err
		}
		if err := adapter.HealthCheck(ctx); err != nil {
			return err
		}
		_, err = adapter.Chat(ctx, canaryRequest(providerName, reg.DefaultModel(providerName)))
		return err
	}
}

func canaryRequest(providerName, defaultModel string) *scri.ChatRequest {
	return &scri.ChatRequest{
		Model: canaryModel(providerName, defaultModel),
		Messages: []scri.Message{
			scri.TextMessage(scri.RoleSystem, "You are a connectivity probe."),
			scri.TextMessage(scri.RoleUser, "Reply with the single word: pong."),
		},
		MaxTokens: 8,
		Tools: []scri.Tool{{
			Name:        "noop",
			Description: "Does nothing. Never call this.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		}},
	}
}

func canaryModel(providerName, defaultModel string) string {
	switch providerName {
	case "anthropic":
		return "claude-haiku-4-5-20251001"
	case "openai":
		return "gpt-4.1-mini"
	case "google":
		return "gemini-2.5-flash-lite"
	case "xai":
		return "grok-4-1-fast"
	}
	return defaultModel
}
