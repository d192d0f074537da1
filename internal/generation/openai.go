package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/yodatable/yoda-server-go/internal/config"
	"go.uber.org/zap"
)

const systemPrompt = "You assist the game master of a tabletop role-playing session. " +
	"Answer in a few vivid sentences suitable for reading aloud at the table."

// OpenAI generates text with the chat completions API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// NewOpenAI creates a generator from cfg. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAI(cfg config.AIConfig, logger *zap.Logger) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}
}

// Generate sends the prompt, with the request type and optional context as
// system instructions, and returns the first choice.
func (g *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.SystemMessage("Request type: " + req.RequestType),
	}
	if req.Context != nil && strings.TrimSpace(*req.Context) != "" {
		messages = append(messages, openai.SystemMessage("Session context: "+*req.Context))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(g.maxTokens)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("chat completion returned no choices")
	}

	tokens := int(resp.Usage.TotalTokens)
	g.logger.Debug("generated text",
		zap.String("model", resp.Model),
		zap.String("request_type", req.RequestType),
		zap.Int("tokens", tokens),
	)

	model := resp.Model
	if model == "" {
		model = g.model
	}
	return Result{
		Text:       strings.TrimSpace(resp.Choices[0].Message.Content),
		TokensUsed: &tokens,
		Model:      model,
	}, nil
}
