package predict

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/shadow-olj/a101-ai-trader/internal/exchange"
)

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value     float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// TechnicalSnapshot 为一次技术指标计算的汇总，附带文字信号。
type TechnicalSnapshot struct {
	RSI          float64         `json:"rsi"`
	MACD         MACDResult      `json:"macd"`
	EMA20        float64         `json:"ema_20"`
	EMA50        float64         `json:"ema_50"`
	Bollinger    BollingerResult `json:"bollinger"`
	CurrentPrice float64         `json:"current_price"`
	VolumeAvg20  float64         `json:"volume_avg"`
	Signals      []string        `json:"signals"`
}

// ComputeIndicators 依据给定K线计算常用技术指标并生成信号描述。
// K线不足时返回中性快照，而不是报错：预测允许在弱数据下降级。
func ComputeIndicators(candles []exchange.Candle) TechnicalSnapshot {
	if len(candles) < 2 {
		return TechnicalSnapshot{
			RSI:     50,
			Signals: []string{"Limited data - Using current price only"},
		}
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
		volumes[i] = candle.Volume
	}

	snapshot := TechnicalSnapshot{
		RSI:          50,
		CurrentPrice: last(closes),
	}

	if len(closes) >= 15 {
		snapshot.RSI = last(talib.Rsi(closes, 14))
	}
	if len(closes) >= 20 {
		snapshot.EMA20 = last(talib.Ema(closes, 20))

		upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.EMA)
		snapshot.Bollinger = BollingerResult{
			Upper:  last(upper),
			Middle: last(middle),
			Lower:  last(lower),
		}
	}
	if len(closes) >= 50 {
		snapshot.EMA50 = last(talib.Ema(closes, 50))
	}
	if len(closes) >= 35 {
		macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
		snapshot.MACD = MACDResult{
			Value:     last(macd),
			Signal:    last(macdSignal),
			Histogram: last(macdHist),
		}
	}
	if len(volumes) >= 20 {
		snapshot.VolumeAvg20 = average(volumes[len(volumes)-20:])
	}

	snapshot.Signals = buildSignals(snapshot, last(volumes))
	return snapshot
}

func buildSignals(s TechnicalSnapshot, currentVolume float64) []string {
	signals := make([]string, 0, 6)

	switch {
	case s.RSI < 30:
		signals = append(signals, "RSI oversold (<30) - Potential buy signal")
	case s.RSI > 70:
		signals = append(signals, "RSI overbought (>70) - Potential sell signal")
	}

	if s.MACD.Histogram > 0 {
		signals = append(signals, "MACD bullish - Histogram positive")
	} else {
		signals = append(signals, "MACD bearish - Histogram negative")
	}

	if s.EMA20 > 0 && s.EMA50 > 0 {
		switch {
		case s.CurrentPrice > s.EMA20 && s.EMA20 > s.EMA50:
			signals = append(signals, "Price above EMA20 and EMA50 - Bullish trend")
		case s.CurrentPrice < s.EMA20 && s.EMA20 < s.EMA50:
			signals = append(signals, "Price below EMA20 and EMA50 - Bearish trend")
		}
	}

	if s.Bollinger.Upper > 0 {
		switch {
		case s.CurrentPrice > s.Bollinger.Upper:
			signals = append(signals, "Price above upper Bollinger Band - Overbought")
		case s.CurrentPrice < s.Bollinger.Lower:
			signals = append(signals, "Price below lower Bollinger Band - Oversold")
		}
	}

	if s.VolumeAvg20 > 0 && currentVolume > s.VolumeAvg20*1.5 {
		signals = append(signals, "High volume surge - Strong momentum")
	}

	return signals
}

// Describe 渲染指标摘要，供提示词拼装使用。
func (s TechnicalSnapshot) Describe() string {
	rsiState := "(Neutral)"
	switch {
	case s.RSI < 30:
		rsiState = "(Oversold)"
	case s.RSI > 70:
		rsiState = "(Overbought)"
	}

	return fmt.Sprintf(
		"- RSI (14): %.2f %s\n- MACD: %.4f (Signal: %.4f, Histogram: %.4f)\n- EMA 20: $%.2f\n- EMA 50: $%.2f\n- Bollinger Bands: Upper $%.2f, Middle $%.2f, Lower $%.2f\n- Average Volume: %.2f",
		s.RSI, rsiState,
		s.MACD.Value, s.MACD.Signal, s.MACD.Histogram,
		s.EMA20, s.EMA50,
		s.Bollinger.Upper, s.Bollinger.Middle, s.Bollinger.Lower,
		s.VolumeAvg20,
	)
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
