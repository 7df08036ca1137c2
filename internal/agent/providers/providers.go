package providers

import (
	"fmt"

	"github.com/insightpilot/insightpilot/internal/agent"
	"github.com/insightpilot/insightpilot/internal/config"
)

// New builds the provider named by cfg.Default.
func New(cfg config.ProviderConfig) (agent.LLMProvider, error) {
	switch cfg.Default {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.AnthropicKey,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.OpenAIKey,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Default)
	}
}
