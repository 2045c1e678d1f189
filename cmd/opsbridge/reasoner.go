package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"opsbridge/internal/adapter/reasoning"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// newReasoner selects the reasoning backend from config.
func newReasoner(cfg config.ReasonerConfig, log *slog.Logger) (domain.Reasoner, error) {
	switch cfg.Type {
	case "openai":
		return reasoning.NewOpenAIReasoner(cfg, log), nil
	case "bedrock":
		return newBedrockReasoner(cfg, log)
	default:
		return nil, fmt.Errorf("unknown reasoner type %q", cfg.Type)
	}
}

func newTokenCounter(model string) domain.TokenCounter {
	return reasoning.NewTokenCounter(model)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
