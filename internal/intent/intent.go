package intent

import (
	"errors"
	"fmt"
	"strings"
)

// Action 是指令动作的封闭枚举。
type Action string

const (
	ActionOpenLong      Action = "open_long"
	ActionOpenShort     Action = "open_short"
	ActionClosePosition Action = "close_position"
	ActionSetLeverage   Action = "set_leverage"
	ActionQueryPrice    Action = "query_price"
	ActionQueryPosition Action = "query_position"
	ActionQueryBalance  Action = "query_balance"
	ActionQueryHistory  Action = "query_history"
	ActionUnknown       Action = "unknown"
)

// traits 描述每类动作适用的风控规则子集，
// 规则按动作查表而不是在评估器里散落字符串匹配。
type traits struct {
	query            bool // 只读查询，无条件放行
	positionChanging bool // 受当日亏损/交易次数闸门约束
	checksNotional   bool // 受单笔金额上限与确认阈值约束
	checksLeverage   bool // 受杠杆上限约束
	countsTrade      bool // 成交后消耗当日交易额度
}

var actionTraits = map[Action]traits{
	ActionOpenLong:      {positionChanging: true, checksNotional: true, checksLeverage: true, countsTrade: true},
	ActionOpenShort:     {positionChanging: true, checksNotional: true, checksLeverage: true, countsTrade: true},
	ActionClosePosition: {positionChanging: true, countsTrade: true},
	ActionSetLeverage:   {positionChanging: true, checksLeverage: true},
	ActionQueryPrice:    {query: true},
	ActionQueryPosition: {query: true},
	ActionQueryBalance:  {query: true},
	ActionQueryHistory:  {query: true},
}

// IsQuery 判断动作是否为只读查询。
func (a Action) IsQuery() bool { return actionTraits[a].query }

// IsPositionChanging 判断动作是否会改变仓位或实现盈亏。
func (a Action) IsPositionChanging() bool { return actionTraits[a].positionChanging }

// ChecksNotional 判断动作是否受名义金额限额约束。
func (a Action) ChecksNotional() bool { return actionTraits[a].checksNotional }

// ChecksLeverage 判断动作是否受杠杆上限约束。
func (a Action) ChecksLeverage() bool { return actionTraits[a].checksLeverage }

// CountsTrade 判断动作成交后是否计入当日交易次数。
func (a Action) CountsTrade() bool { return actionTraits[a].countsTrade }

// Known 判断动作是否属于受支持的枚举。
func (a Action) Known() bool {
	_, ok := actionTraits[a]
	return ok
}

// Intent 表示从自然语言中抽取出的结构化交易意图。
// Notional 为名义金额（USDT 计），查询与纯调杠杆指令为 0。
type Intent struct {
	Action     Action  `json:"action"`
	Symbol     string  `json:"symbol,omitempty"`
	Notional   float64 `json:"amount,omitempty"`
	Leverage   int     `json:"leverage,omitempty"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Confidence float64 `json:"confidence"`
	RawText    string  `json:"original_text"`
}

// Validate 校验意图的完整性，minConfidence 为可接受的最低解析置信度。
// 返回非 nil 即视为 InvalidIntent，不进入限额评估。
func (it Intent) Validate(minConfidence float64) error {
	if !it.Action.Known() {
		return fmt.Errorf("unsupported action %q", string(it.Action))
	}
	if it.Confidence < minConfidence {
		return errors.New("command not clear enough, please rephrase")
	}

	switch it.Action {
	case ActionOpenLong, ActionOpenShort:
		if strings.TrimSpace(it.Symbol) == "" {
			return errors.New("symbol is required for trading")
		}
		if it.Notional <= 0 {
			return errors.New("trade amount is required")
		}
		if it.Leverage < 0 {
			return errors.New("leverage must be positive")
		}
	case ActionClosePosition:
		if strings.TrimSpace(it.Symbol) == "" {
			return errors.New("symbol is required to close position")
		}
	case ActionSetLeverage:
		if strings.TrimSpace(it.Symbol) == "" {
			return errors.New("symbol is required to set leverage")
		}
		if it.Leverage < 1 || it.Leverage > 125 {
			return errors.New("leverage must be between 1 and 125")
		}
	case ActionQueryPrice:
		if strings.TrimSpace(it.Symbol) == "" {
			return errors.New("symbol is required to query price")
		}
	}

	return nil
}

// Describe 生成简短的人类可读描述，用于响应与审计。
func (it Intent) Describe() string {
	var b strings.Builder
	b.WriteString(string(it.Action))
	if it.Symbol != "" {
		b.WriteString(" " + it.Symbol)
	}
	if it.Notional > 0 {
		fmt.Fprintf(&b, " $%.2f", it.Notional)
	}
	if it.Leverage > 0 {
		fmt.Fprintf(&b, " %dx", it.Leverage)
	}
	return b.String()
}
