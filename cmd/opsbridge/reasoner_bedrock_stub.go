//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

func newBedrockReasoner(_ config.ReasonerConfig, _ *slog.Logger) (domain.Reasoner, error) {
	return nil, fmt.Errorf("bedrock reasoner requires build with -tags bedrock")
}
