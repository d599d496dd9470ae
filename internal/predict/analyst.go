package predict

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
	"golang.org/x/sync/errgroup"

	"github.com/shadow-olj/a101-ai-trader/internal/config"
	"github.com/shadow-olj/a101-ai-trader/internal/exchange"
)

const analystSystemPrompt = "You are a professional cryptocurrency market analyst. Provide accurate, data-driven predictions based on technical analysis principles. Respond with ONLY a valid JSON object, no markdown, no explanations, no code blocks."

type marketData interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]exchange.Candle, error)
}

// PriceTarget 为未来24小时的价格区间预测。
type PriceTarget struct {
	Current float64 `json:"current"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
}

// Prediction 为一次市场预测的完整输出。
type Prediction struct {
	Symbol         string            `json:"symbol"`
	Direction      string            `json:"prediction"`
	Confidence     float64           `json:"confidence"`
	PriceTarget    PriceTarget       `json:"price_target"`
	Recommendation string            `json:"recommendation"`
	EntryPrice     float64           `json:"entry_price,omitempty"`
	StopLoss       float64           `json:"stop_loss,omitempty"`
	TakeProfit     float64           `json:"take_profit,omitempty"`
	Signals        []string          `json:"technical_signals"`
	Sentiment      string            `json:"sentiment"`
	Analysis       string            `json:"analysis"`
	Timeframe      string            `json:"timeframe"`
	Indicators     TechnicalSnapshot `json:"technical_indicators"`
	Accuracy       AccuracyStats     `json:"historical_accuracy"`
	CreatedAt      time.Time         `json:"created_at"`
}

// 模型输出的原始JSON结构，confidence 为0-100的百分数。
type rawPrediction struct {
	Prediction       string   `json:"prediction"`
	Confidence       float64  `json:"confidence"`
	PriceHigh        float64  `json:"price_high"`
	PriceLow         float64  `json:"price_low"`
	Recommendation   string   `json:"recommendation"`
	EntryPrice       float64  `json:"entry_price"`
	StopLoss         float64  `json:"stop_loss"`
	TakeProfit       float64  `json:"take_profit"`
	TechnicalSignals []string `json:"technical_signals"`
	Sentiment        string   `json:"sentiment"`
	Analysis         string   `json:"analysis"`
}

// Analyst 聚合行情、技术指标与历史反馈，产出AI市场预测。
type Analyst struct {
	cfg     config.PredictConfig
	market  marketData
	history *History
	logger  *zap.Logger
	sdk     *openai.Client
	model   string
	now     func() time.Time
}

// NewAnalyst 创建市场预测器。
func NewAnalyst(cfg config.PredictConfig, aiCfg config.OpenAIConfig, market marketData, history *History, logger *zap.Logger) (*Analyst, error) {
	if market == nil {
		return nil, errors.New("predict: market client 不能为空")
	}
	if history == nil {
		return nil, errors.New("predict: history 不能为空")
	}
	if aiCfg.APIKey == "" {
		return nil, errors.New("predict: openai api_key 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 100
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}

	timeout := aiCfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	clientCfg := openai.DefaultConfig(aiCfg.APIKey)
	if aiCfg.BaseURL != "" {
		clientCfg.BaseURL = aiCfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: timeout + 5*time.Second,
	}

	return &Analyst{
		cfg:     cfg,
		market:  market,
		history: history,
		logger:  logger,
		sdk:     openai.NewClientWithConfig(clientCfg),
		model:   aiCfg.Model,
		now:     time.Now,
	}, nil
}

// Predict 对指定交易对产出未来24小时的走势预测。
func (a *Analyst) Predict(ctx context.Context, symbol string) (Prediction, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Prediction{}, errors.New("predict: symbol 不能为空")
	}

	var (
		ticker  exchange.Ticker
		candles []exchange.Candle
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := a.market.FetchTicker(groupCtx, symbol)
		if err != nil {
			return err
		}
		ticker = data
		return nil
	})

	group.Go(func() error {
		data, err := a.market.FetchCandles(groupCtx, symbol, a.cfg.Timeframe, int64(a.cfg.CandleLimit))
		if err != nil {
			return err
		}
		candles = data
		return nil
	})

	if err := group.Wait(); err != nil {
		return Prediction{}, fmt.Errorf("predict: 获取市场数据失败: %w", err)
	}

	indicators := ComputeIndicators(candles)
	if indicators.CurrentPrice == 0 {
		indicators.CurrentPrice = ticker.Last
	}

	feedback, err := a.history.FeedbackPrompt(ctx, symbol, a.cfg.LookbackDays)
	if err != nil {
		a.logger.Warn("生成历史反馈失败，继续无反馈预测", zap.Error(err))
		feedback = "No historical prediction data available."
	}

	prompt := a.buildPrompt(symbol, ticker.Last, indicators, feedback)

	response, err := a.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analystSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("predict: 调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Prediction{}, errors.New("predict: OpenAI 返回结果为空")
	}

	raw, err := parseRawPrediction(response.Choices[0].Message.Content)
	if err != nil {
		return Prediction{}, err
	}

	prediction := a.assemble(symbol, ticker.Last, indicators, raw)

	accuracy, err := a.history.Accuracy(ctx, symbol, a.cfg.LookbackDays)
	if err != nil {
		a.logger.Warn("计算历史准确率失败", zap.Error(err))
	} else {
		prediction.Accuracy = accuracy
	}

	if saveErr := a.history.Save(ctx, HistoryEntry{
		Symbol:        symbol,
		Direction:     prediction.Direction,
		Confidence:    prediction.Confidence,
		PriceCurrent:  prediction.PriceTarget.Current,
		PredictedHigh: prediction.PriceTarget.High,
		PredictedLow:  prediction.PriceTarget.Low,
		CreatedAt:     prediction.CreatedAt,
	}); saveErr != nil {
		a.logger.Warn("保存预测记录失败", zap.Error(saveErr))
	}

	a.logger.Info("市场预测完成",
		zap.String("symbol", symbol),
		zap.String("direction", prediction.Direction),
		zap.Float64("confidence", prediction.Confidence),
	)

	return prediction, nil
}

func (a *Analyst) buildPrompt(symbol string, currentPrice float64, indicators TechnicalSnapshot, feedback string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze the cryptocurrency market for %s and provide a comprehensive trading prediction.\n\n", symbol)
	fmt.Fprintf(&b, "Current Market Data:\n- Symbol: %s\n- Current Price: $%.2f\n- Timeframe: 24 hours\n\n", symbol, currentPrice)
	fmt.Fprintf(&b, "Technical Indicators:\n%s\n\n", indicators.Describe())

	if len(indicators.Signals) > 0 {
		b.WriteString("Technical Signals:\n")
		for _, signal := range indicators.Signals {
			fmt.Fprintf(&b, "- %s\n", signal)
		}
		b.WriteString("\n")
	}

	b.WriteString(feedback)
	b.WriteString("\n\nBased on the above data, provide market trend prediction, confidence, 24h price targets, trading recommendation, entry price, stop-loss, take-profit and key reasoning.\n\n")
	b.WriteString(`JSON format:
{
  "prediction": "bullish|bearish|neutral",
  "confidence": 85,
  "price_high": 68000,
  "price_low": 66000,
  "recommendation": "buy|sell|hold",
  "entry_price": 67000,
  "stop_loss": 65000,
  "take_profit": 71000,
  "technical_signals": ["Signal 1", "Signal 2"],
  "sentiment": "Brief market sentiment summary",
  "analysis": "Detailed analysis explanation with reasoning"
}`)

	return b.String()
}

func (a *Analyst) assemble(symbol string, currentPrice float64, indicators TechnicalSnapshot, raw rawPrediction) Prediction {
	direction := raw.Prediction
	switch direction {
	case "bullish", "bearish", "neutral":
	default:
		direction = "neutral"
	}

	recommendation := raw.Recommendation
	switch recommendation {
	case "buy", "sell", "hold":
	default:
		recommendation = "hold"
	}

	priceHigh := raw.PriceHigh
	if priceHigh <= 0 {
		priceHigh = currentPrice * 1.05
	}
	priceLow := raw.PriceLow
	if priceLow <= 0 {
		priceLow = currentPrice * 0.95
	}

	return Prediction{
		Symbol:    symbol,
		Direction: direction,
		// 模型输出0-100，内部统一为0-1。
		Confidence: raw.Confidence / 100,
		PriceTarget: PriceTarget{
			Current: currentPrice,
			High:    priceHigh,
			Low:     priceLow,
		},
		Recommendation: recommendation,
		EntryPrice:     raw.EntryPrice,
		StopLoss:       raw.StopLoss,
		TakeProfit:     raw.TakeProfit,
		Signals:        raw.TechnicalSignals,
		Sentiment:      raw.Sentiment,
		Analysis:       raw.Analysis,
		Timeframe:      "24h",
		Indicators:     indicators,
		CreatedAt:      a.now().UTC(),
	}
}

func parseRawPrediction(content string) (rawPrediction, error) {
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return rawPrediction{}, fmt.Errorf("predict: 模型输出未找到有效JSON: %s", content)
	}

	var raw rawPrediction
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return rawPrediction{}, fmt.Errorf("predict: 解析预测JSON失败: %w", err)
	}

	return raw, nil
}
