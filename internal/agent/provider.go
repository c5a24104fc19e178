package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/config"
)

// NewOracle builds the oracle selected by cfg.Type and wraps it in a
// circuit breaker.
func NewOracle(cfg config.ProviderConfig, logger *zap.Logger) (Oracle, error) {
	var inner Oracle
	switch cfg.Type {
	case "openai", "azure", "":
		o, err := NewOpenAI(cfg, logger)
		if err != nil {
			return nil, err
		}
		inner = o
	case "claude-cli":
		inner = NewClaudeCLI(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	name := cfg.Type
	if name == "" {
		name = "openai"
	}
	return NewBreaker(name, inner, cfg.Breaker, logger), nil
}
