package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIGenerator 走 OpenAI 协议的生成器，兼容 DashScope 与 vLLM 等端点
type OpenAIGenerator struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger
}

// NewOpenAIGenerator 创建 OpenAI 协议生成器
func NewOpenAIGenerator(cfg Config, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger.Named("llm").With(zap.String("provider", string(cfg.Provider)), zap.String("model", cfg.Model)),
	}, nil
}

// Generate 生成 SQL
func (g *OpenAIGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	return generate(ctx, req, g.cfg, g.logger, g.complete)
}

func (g *OpenAIGenerator) complete(ctx context.Context, system, user string) (*completion, error) {
	g.logger.Debug("llm request", zap.Int("prompt_len", len(user)))

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: float32(g.cfg.Temperature),
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(ErrorTypeResponse, "no choices in response", true, nil)
	}

	g.logger.Info("llm request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &completion{
		text:             resp.Choices[0].Message.Content,
		promptTokens:     resp.Usage.PromptTokens,
		completionTokens: resp.Usage.CompletionTokens,
	}, nil
}
