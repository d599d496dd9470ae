package exchange

import "time"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker 为最新行情快照。
type Ticker struct {
	Symbol      string    `json:"symbol"`
	Last        float64   `json:"last"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	High        float64   `json:"high_24h"`
	Low         float64   `json:"low_24h"`
	QuoteVolume float64   `json:"quote_volume_24h"`
	Timestamp   time.Time `json:"timestamp"`
}

// Position 表示单个合约仓位。
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Contracts     float64 `json:"contracts"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Notional      float64 `json:"notional"`
	Leverage      float64 `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Balance 为账户余额概览。
type Balance struct {
	TotalUSD      float64   `json:"total_usd"`
	FreeUSD       float64   `json:"free_usd"`
	UsedUSD       float64   `json:"used_usd"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// Fill 为一次下单的成交结果。
// RealizedPnL 仅平仓时有意义，取平仓前仓位的浮动盈亏估计。
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	AvgPrice    float64   `json:"avg_price"`
	Notional    float64   `json:"notional"`
	RealizedPnL float64   `json:"realized_pnl"`
	Timestamp   time.Time `json:"timestamp"`
}
