package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/config"
)

// Client 负责与交易所交互并实现重试机制。
// 只读调用按指数退避重试；下单与调杠杆不重试，
// 失败后重复提交可能造成双重成交，由上层决定如何处置。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// Raw 返回底层 ccxt 客户端。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// FetchTicker 获取指定交易对的最新行情。
func (c *Client) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	ticker := Ticker{
		Symbol:      symbol,
		Last:        derefFloat(raw.Last),
		Bid:         derefFloat(raw.Bid),
		Ask:         derefFloat(raw.Ask),
		High:        derefFloat(raw.High),
		Low:         derefFloat(raw.Low),
		QuoteVolume: derefFloat(raw.QuoteVolume),
	}
	if raw.Timestamp != nil {
		ticker.Timestamp = time.UnixMilli(*raw.Timestamp).UTC()
	} else {
		ticker.Timestamp = time.Now().UTC()
	}

	if ticker.Last <= 0 {
		return Ticker{}, fmt.Errorf("exchange: %s 行情无有效成交价", symbol)
	}

	return ticker, nil
}

// FetchCandles 获取指定交易对和周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchPositions 获取全部非零仓位；symbol 非空时只返回该交易对。
func (c *Client) FetchPositions(ctx context.Context, symbol string) ([]Position, error) {
	var raw []ccxt.Position

	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, rawPos := range raw {
		posSymbol := derefString(rawPos.Symbol)
		if posSymbol == "" {
			continue
		}
		if symbol != "" && !strings.EqualFold(posSymbol, symbol) {
			continue
		}

		contracts := derefFloat(rawPos.Contracts)
		if contracts == 0 {
			continue
		}

		side := strings.ToLower(strings.TrimSpace(derefString(rawPos.Side)))
		if side == "" {
			side = "long"
		}

		positions = append(positions, Position{
			Symbol:        posSymbol,
			Side:          side,
			Contracts:     contracts,
			EntryPrice:    derefFloat(rawPos.EntryPrice),
			MarkPrice:     derefFloat(rawPos.MarkPrice),
			Notional:      derefFloat(rawPos.Notional),
			Leverage:      derefFloat(rawPos.Leverage),
			UnrealizedPnL: derefFloat(rawPos.UnrealizedPnl),
		})
	}

	return positions, nil
}

// FetchBalance 获取账户USD计价余额概览。
func (c *Client) FetchBalance(ctx context.Context) (Balance, error) {
	var raw ccxt.Balances

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	balance := Balance{Timestamp: time.Now().UTC()}

	pick := func(table map[string]*float64) float64 {
		if table == nil {
			return 0
		}
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if v, ok := table[code]; ok && v != nil {
				return *v
			}
		}
		return 0
	}

	balance.TotalUSD = pick(raw.Total)
	balance.FreeUSD = pick(raw.Free)
	balance.UsedUSD = pick(raw.Used)

	return balance, nil
}

// PlaceMarketOrder 以名义金额下市价单。
// 数量按最新成交价折算，notional 为 USDT 计名义金额。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, notional float64) (Fill, error) {
	if notional <= 0 {
		return Fill{}, fmt.Errorf("exchange: 名义金额无效 %.2f", notional)
	}
	if side != "buy" && side != "sell" {
		return Fill{}, fmt.Errorf("exchange: 不支持的下单方向 %q", side)
	}

	ticker, err := c.FetchTicker(ctx, symbol)
	if err != nil {
		return Fill{}, fmt.Errorf("exchange: 折算下单数量失败: %w", err)
	}

	amount := notional / ticker.Last

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Fill{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Fill{}, ctxErr
	}

	order, err := c.exchange.CreateMarketOrder(symbol, side, amount)
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Error("市价单提交失败",
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.Float64("notional", notional),
			zap.Error(normalized),
		)
		return Fill{}, normalized
	}

	fill := fillFromOrder(order, symbol, side)
	if fill.Quantity == 0 {
		fill.Quantity = amount
	}
	if fill.AvgPrice == 0 {
		fill.AvgPrice = ticker.Last
	}
	fill.Notional = fill.Quantity * fill.AvgPrice

	c.logger.Info("市价单成交",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("order_id", fill.OrderID),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("avg_price", fill.AvgPrice),
	)

	return fill, nil
}

// SetLeverage 为指定交易对设置杠杆倍数。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("exchange: 杠杆倍数无效 %d", leverage)
	}

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	_, err := c.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(symbol))
	if err != nil {
		normalized, _ := c.classifyError(err)
		return fmt.Errorf("exchange: 设置杠杆失败: %w", normalized)
	}

	c.logger.Info("杠杆已调整",
		zap.String("symbol", symbol),
		zap.Int("leverage", leverage),
	)

	return nil
}

// ClosePosition 市价平掉指定交易对的全部仓位。
// 返回的 Fill.RealizedPnL 取平仓前仓位的浮动盈亏，是结算前的近似值。
func (c *Client) ClosePosition(ctx context.Context, symbol string) (Fill, error) {
	positions, err := c.FetchPositions(ctx, symbol)
	if err != nil {
		return Fill{}, err
	}
	if len(positions) == 0 {
		return Fill{}, fmt.Errorf("exchange: %s: %w", symbol, ErrNoPosition)
	}

	pos := positions[0]

	side := "sell"
	if pos.Side == "short" {
		side = "buy"
	}

	params := map[string]interface{}{
		"reduceOnly": true,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Fill{}, ctxErr
	}

	order, err := c.exchange.CreateMarketOrder(symbol, side, pos.Contracts,
		ccxt.WithCreateMarketOrderParams(params))
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Error("平仓单提交失败",
			zap.String("symbol", symbol),
			zap.Float64("contracts", pos.Contracts),
			zap.Error(normalized),
		)
		return Fill{}, normalized
	}

	fill := fillFromOrder(order, symbol, side)
	if fill.Quantity == 0 {
		fill.Quantity = pos.Contracts
	}
	if fill.AvgPrice == 0 {
		fill.AvgPrice = pos.MarkPrice
	}
	fill.Notional = fill.Quantity * fill.AvgPrice
	fill.RealizedPnL = pos.UnrealizedPnL

	c.logger.Info("仓位已平",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("contracts", fill.Quantity),
		zap.Float64("realized_pnl", fill.RealizedPnL),
	)

	return fill, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func fillFromOrder(order ccxt.Order, symbol, side string) Fill {
	fill := Fill{
		OrderID:   derefString(order.Id),
		Symbol:    symbol,
		Side:      side,
		Quantity:  derefFloat(order.Filled),
		AvgPrice:  derefFloat(order.Average),
		Timestamp: time.Now().UTC(),
	}

	if fill.Quantity == 0 {
		fill.Quantity = derefFloat(order.Amount)
	}
	if fill.AvgPrice == 0 {
		fill.AvgPrice = derefFloat(order.Price)
	}
	if order.Timestamp != nil {
		fill.Timestamp = time.UnixMilli(int64(*order.Timestamp)).UTC()
	}

	return fill
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
