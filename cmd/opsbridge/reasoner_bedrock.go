//go:build bedrock

package main

import (
	"log/slog"

	"opsbridge/internal/adapter/reasoning"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

func newBedrockReasoner(cfg config.ReasonerConfig, log *slog.Logger) (domain.Reasoner, error) {
	return reasoning.NewBedrockReasoner(cfg, log)
}
