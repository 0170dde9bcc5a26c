package providers

import (
	"sync"

	"github.com/mutiexpert/backend/internal/config"
)

// Registry resolves provider names to strategies. Strategies are built
// lazily from configuration and cached; an unconfigured provider still
// yields a working strategy whose calls produce "Error: ..." output.
type Registry struct {
	mu         sync.Mutex
	cfg        *config.Config
	strategies map[string]Strategy
}

// NewRegistry creates a registry over the given configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:        cfg,
		strategies: make(map[string]Strategy),
	}
}

// Resolve returns the strategy for the named provider and the model id the
// call should use, with configured model migrations applied. The requested
// model overrides the configured default when non-empty.
func (r *Registry) Resolve(provider, model string) (Strategy, string) {
	if provider == "codex" {
		provider = "openai"
	}
	pc, _ := r.cfg.Provider(provider)

	resolved := model
	if resolved == "" {
		resolved = pc.Model
	}
	if replacement, ok := pc.ModelMigrations[resolved]; ok {
		resolved = replacement
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := provider + "/" + resolved
	if s, ok := r.strategies[key]; ok {
		return s, resolved
	}
	s := buildStrategy(provider, pc, resolved)
	r.strategies[key] = s
	return s, resolved
}

func buildStrategy(provider string, pc config.ProviderConfig, model string) Strategy {
	protocol := pc.Strategy
	if protocol == "" {
		switch provider {
		case "claude", "anthropic":
			protocol = "claude"
		case "openai":
			protocol = "responses"
		default:
			protocol = "chat"
		}
	}

	switch protocol {
	case "claude":
		return NewClaudeStrategy(ClaudeConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   model,
		})
	case "responses":
		return NewResponsesStrategy(ResponsesConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   model,
		})
	default:
		return NewChatStrategy(ChatConfig{
			Provider: provider,
			APIKey:   pc.APIKey,
			BaseURL:  pc.BaseURL,
			Model:    model,
		})
	}
}
