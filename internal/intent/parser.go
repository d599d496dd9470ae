package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/config"
)

// Parser 将自然语言指令转换为结构化交易意图。
type Parser struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewParser 使用给定配置创建意图解析器。
func NewParser(cfg config.OpenAIConfig, logger *zap.Logger) (*Parser, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("intent: openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Parser{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Parse 调用大模型抽取意图，RawText 始终以用户输入为准。
func (p *Parser) Parse(ctx context.Context, userInput string) (Intent, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return Intent{}, errors.New("intent: 用户输入为空")
	}

	response, err := p.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userInput},
		},
		Temperature: 0.1,
	})
	if err != nil {
		p.logger.Error("调用OpenAI解析意图失败", zap.Error(err))
		return Intent{}, fmt.Errorf("intent: 调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Intent{}, errors.New("intent: OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Intent{}, errors.New("intent: OpenAI 返回内容为空")
	}

	parsed, err := parseIntent(rawContent)
	if err != nil {
		p.logger.Error("解析意图JSON失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Intent{}, err
	}

	parsed.RawText = userInput
	parsed.Symbol = strings.ToUpper(strings.TrimSpace(parsed.Symbol))

	p.logger.Info("意图解析完成",
		zap.String("action", string(parsed.Action)),
		zap.String("symbol", parsed.Symbol),
		zap.Float64("amount", parsed.Notional),
		zap.Int("leverage", parsed.Leverage),
		zap.Float64("confidence", parsed.Confidence),
	)

	return parsed, nil
}

func parseIntent(content string) (Intent, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Intent{}, err
	}

	var it Intent
	if err = json.Unmarshal(payload, &it); err != nil {
		return Intent{}, fmt.Errorf("intent: 解析意图JSON失败: %w", err)
	}

	return it, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("intent: 模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
