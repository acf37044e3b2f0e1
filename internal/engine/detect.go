package engine

import (
	"fmt"
	"strings"

	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/proxy"
)

// New builds the Engine selected by the generation config.
func New(cfg config.GenerationConfig) (Engine, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter backend requires an api key")
		}
		return NewOpenRouterEngine(proxy.NewClient(cfg.OpenRouterAPIKey)), nil
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.Backend)
	}
}
