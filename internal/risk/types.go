package risk

import (
	"time"

	"github.com/shadow-olj/a101-ai-trader/internal/intent"
)

// Outcome 描述风控评估结论。
type Outcome string

const (
	OutcomeApproved             Outcome = "approved"
	OutcomeRequiresConfirmation Outcome = "requires_confirmation"
	OutcomeRejected             Outcome = "rejected"
)

// Reason 为拒绝或待确认的原因码，固定集合，原样透出给调用方。
type Reason string

const (
	ReasonTradeSizeExceeded       Reason = "TradeSizeExceeded"
	ReasonLeverageExceeded        Reason = "LeverageExceeded"
	ReasonDailyTradeCountExceeded Reason = "DailyTradeCountExceeded"
	ReasonDailyLossExceeded       Reason = "DailyLossExceeded"
	ReasonConfirmationRequired    Reason = "ConfirmationRequired"
	ReasonInvalidIntent           Reason = "InvalidIntent"
)

// UsageSnapshot 为账户当日用量的只读快照。
type UsageSnapshot struct {
	Account        string  `json:"account"`
	UsageDate      string  `json:"usage_date"`
	TradesExecuted int     `json:"trades_executed"`
	RealizedLoss   float64 `json:"realized_loss"`
}

// Decision 为一次风控评估的输出。
// Reason 仅在非 Approved 时填充；Intent 原样回显。
type Decision struct {
	ID          string        `json:"id"`
	Account     string        `json:"account"`
	Outcome     Outcome       `json:"outcome"`
	Reason      Reason        `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	Intent      intent.Intent `json:"intent"`
	Usage       UsageSnapshot `json:"usage"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Approved 判断决策是否放行。
func (d Decision) Approved() bool {
	return d.Outcome == OutcomeApproved
}
