// Package ai 调用大模型把剪枝后的 Schema 与问题转换成 SQL
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider 模型提供方
type Provider string

const (
	ProviderOpenAI           Provider = "openai"
	ProviderOpenAICompatible Provider = "openai_compatible" // vLLM、Ollama 等
	ProviderDashScope        Provider = "dashscope"         // 阿里云通义千问兼容模式
	ProviderAnthropic        Provider = "anthropic"
)

// DashScope 兼容模式的默认地址与模型
const (
	DashScopeEndpoint = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DashScopeModel    = "qwen-plus"
)

// Request 一次生成请求
type Request struct {
	Question string `json:"question"`
	Schema   string `json:"schema"`            // 渲染好的 DDL
	Context  string `json:"context,omitempty"` // 额外上下文，例如连接提示
	Dialect  string `json:"dialect,omitempty"`
}

// Result 生成结果
type Result struct {
	SQL              string        `json:"sql"`
	Raw              string        `json:"raw"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Attempts         int           `json:"attempts"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Generator 生成 SQL 的协作方
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Config 生成器配置
type Config struct {
	Provider    Provider
	Endpoint    string // 为空时使用提供方默认地址
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	MaxRetries  int // 可重试错误或输出不是 SQL 时的重试次数
	Prompt      PromptOptions
}

// NewGenerator 按提供方创建生成器
func NewGenerator(cfg Config, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case ProviderOpenAI, ProviderOpenAICompatible:
		if cfg.Provider == ProviderOpenAICompatible && cfg.Endpoint == "" {
			return nil, fmt.Errorf("endpoint is required for provider %s", cfg.Provider)
		}
		return NewOpenAIGenerator(cfg, logger)
	case ProviderDashScope:
		if cfg.Endpoint == "" {
			cfg.Endpoint = DashScopeEndpoint
		}
		if cfg.Model == "" {
			cfg.Model = DashScopeModel
		}
		return NewOpenAIGenerator(cfg, logger)
	case ProviderAnthropic:
		return NewAnthropicGenerator(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}

// completion 单次调用模型的结果
type completion struct {
	text             string
	promptTokens     int
	completionTokens int
}

// generate 公共的生成流程：构建提示词、调用、抽取 SQL，可重试的失败按退避重试
func generate(ctx context.Context, req *Request, cfg Config, logger *zap.Logger,
	call func(ctx context.Context, system, user string) (*completion, error),
) (*Result, error) {
	system, user := BuildPrompt(req, cfg.Prompt)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		c, err := call(ctx, system, user)
		if err != nil {
			lastErr = ClassifyError(err)
			logger.Warn("sql generation attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			if !IsRetryable(lastErr) || ctx.Err() != nil {
				break
			}
			continue
		}

		sql := ExtractSQL(c.text)
		if !LooksLikeSQL(sql) {
			lastErr = NewError(ErrorTypeResponse, "model output contains no sql", true, nil)
			logger.Warn("sql generation attempt returned no sql",
				zap.Int("attempt", attempt),
				zap.Int("response_len", len(c.text)))
			continue
		}

		return &Result{
			SQL:              sql,
			Raw:              c.text,
			Model:            cfg.Model,
			PromptTokens:     c.promptTokens,
			CompletionTokens: c.completionTokens,
			Attempts:         attempt,
			Elapsed:          time.Since(start),
		}, nil
	}

	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("generate sql: %w", lastErr)
}
