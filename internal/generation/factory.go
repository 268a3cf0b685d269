package generation

import (
	"fmt"
	"strings"

	"cyoa-server/internal/config"

	"go.uber.org/zap"
)

// NewBackend создает Backend по GENERATION_BACKEND.
func NewBackend(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(cfg.GenerationBackend) {
	case config.BackendOpenAI:
		llm := NewOpenAICompleter(OpenAIConfig{
			APIKey:      cfg.AIAPIKey,
			BaseURL:     cfg.AIBaseURL,
			Model:       cfg.AIModel,
			Timeout:     cfg.AITimeout,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
			JSONMode:    cfg.AIJSONMode,
		}, logger)
		return NewLLMBackend(llm, logger), nil
	case config.BackendOllama:
		llm, err := NewOllamaCompleter(OllamaConfig{
			BaseURL:     cfg.AIBaseURL,
			Model:       cfg.AIModel,
			Timeout:     cfg.AITimeout,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
			JSONMode:    cfg.AIJSONMode,
		}, logger)
		if err != nil {
			return nil, err
		}
		return NewLLMBackend(llm, logger), nil
	case config.BackendTemplate:
		logger.Info("Using deterministic template backend")
		return NewTemplateBackend(), nil
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.GenerationBackend)
	}
}
