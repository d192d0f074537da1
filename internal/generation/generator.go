// Package generation produces narrative text for AIRequest messages.
package generation

import (
	"context"
	"fmt"

	"github.com/yodatable/yoda-server-go/internal/config"
	"go.uber.org/zap"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	RequestType string
	Context     *string
}

// Result is the generated text with optional usage accounting.
type Result struct {
	Text       string
	TokensUsed *int
	Model      string
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// New returns the generator selected by cfg.Provider.
func New(cfg config.AIConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Provider {
	case "", config.AIProviderCanned:
		logger.Info("using canned text generation")
		return Canned{}, nil
	case config.AIProviderOpenAI:
		logger.Info("using openai text generation", zap.String("model", cfg.Model))
		return NewOpenAI(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
