package ai

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const defaultAnthropicMaxTokens = 2000

// AnthropicGenerator Claude 生成器
type AnthropicGenerator struct {
	client *anthropic.Client
	cfg    Config
	logger *zap.Logger
}

// NewAnthropicGenerator 创建 Claude 生成器
func NewAnthropicGenerator(cfg Config, logger *zap.Logger) (*AnthropicGenerator, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %s", ProviderAnthropic)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []anthropic.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
	}

	return &AnthropicGenerator{
		client: anthropic.NewClient(cfg.APIKey, opts...),
		cfg:    cfg,
		logger: logger.Named("llm").With(zap.String("provider", string(ProviderAnthropic)), zap.String("model", cfg.Model)),
	}, nil
}

// Generate 生成 SQL
func (g *AnthropicGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	return generate(ctx, req, g.cfg, g.logger, g.complete)
}

func (g *AnthropicGenerator) complete(ctx context.Context, system, user string) (*completion, error) {
	g.logger.Debug("llm request", zap.Int("prompt_len", len(user)))

	temperature := float32(g.cfg.Temperature)
	resp, err := g.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(g.cfg.Model),
		System:      system,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: &temperature,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &user},
			}},
		},
	})
	if err != nil {
		return nil, err
	}

	text := ""
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			text = *block.Text
			break
		}
	}
	if text == "" {
		return nil, NewError(ErrorTypeResponse, "no text content in response", true, nil)
	}

	g.logger.Info("llm request completed",
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))

	return &completion{
		text:             text,
		promptTokens:     resp.Usage.InputTokens,
		completionTokens: resp.Usage.OutputTokens,
	}, nil
}
