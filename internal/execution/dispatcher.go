package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/audit"
	"github.com/shadow-olj/a101-ai-trader/internal/exchange"
	"github.com/shadow-olj/a101-ai-trader/internal/intent"
	"github.com/shadow-olj/a101-ai-trader/internal/risk"
)

// Adapter 是执行器依赖的交易所能力子集。
type Adapter interface {
	PlaceMarketOrder(ctx context.Context, symbol, side string, notional float64) (exchange.Fill, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	ClosePosition(ctx context.Context, symbol string) (exchange.Fill, error)
}

// Outcome 为一次执行的最终状态。
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Result 为执行结果。
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	Fill       exchange.Fill `json:"fill,omitempty"`
	Message    string        `json:"message,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// Dispatcher 把放行的风控决策转化为交易所动作，
// 并负责成交落账、失败退还预占与执行留痕。
type Dispatcher struct {
	adapter Adapter
	ledger  *risk.Ledger
	auditor *audit.Service
	logger  *zap.Logger
}

// NewDispatcher 创建执行分发器。
func NewDispatcher(adapter Adapter, ledger *risk.Ledger, auditor *audit.Service, logger *zap.Logger) (*Dispatcher, error) {
	if adapter == nil {
		return nil, fmt.Errorf("execution: adapter 不能为空")
	}
	if ledger == nil {
		return nil, fmt.Errorf("execution: ledger 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		adapter: adapter,
		ledger:  ledger,
		auditor: auditor,
		logger:  logger,
	}, nil
}

// Execute 执行一条已放行的决策。
// 计数交易成功后落账（失败则退还预占），调杠杆不消耗当日额度。
// 执行失败返回 Result 而不是 error：失败是正常业务结局，需要完整留痕。
func (d *Dispatcher) Execute(ctx context.Context, dec risk.Decision) (Result, error) {
	if !dec.Approved() {
		return Result{}, fmt.Errorf("execution: 决策未放行，不能执行: %s", dec.Outcome)
	}

	it := dec.Intent
	result := Result{ExecutedAt: time.Now().UTC()}

	fill, err := d.dispatch(ctx, it)
	if err != nil {
		if it.Action.CountsTrade() {
			d.ledger.Release(dec.Account)
		}

		result.Outcome = OutcomeFailed
		result.Message = err.Error()

		d.logger.Error("指令执行失败",
			zap.String("command_id", dec.ID),
			zap.String("account", dec.Account),
			zap.String("action", string(it.Action)),
			zap.Error(err),
		)

		d.record(ctx, dec, result)
		return result, nil
	}

	if it.Action.CountsTrade() {
		if _, commitErr := d.ledger.Commit(ctx, dec.Account, fill.RealizedPnL); commitErr != nil {
			// 成交已发生，落账失败只能告警，不能回滚交易。
			d.logger.Error("成交落账失败",
				zap.String("command_id", dec.ID),
				zap.String("account", dec.Account),
				zap.Error(commitErr),
			)
		}
	}

	result.Outcome = OutcomeExecuted
	result.Fill = fill
	result.Message = fmt.Sprintf("%s executed", it.Describe())

	d.logger.Info("指令执行完成",
		zap.String("command_id", dec.ID),
		zap.String("account", dec.Account),
		zap.String("action", string(it.Action)),
		zap.String("order_id", fill.OrderID),
	)

	d.record(ctx, dec, result)
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, it intent.Intent) (exchange.Fill, error) {
	switch it.Action {
	case intent.ActionOpenLong, intent.ActionOpenShort:
		side := "buy"
		if it.Action == intent.ActionOpenShort {
			side = "sell"
		}
		if it.Leverage > 0 {
			if err := d.adapter.SetLeverage(ctx, it.Symbol, it.Leverage); err != nil {
				return exchange.Fill{}, err
			}
		}
		return d.adapter.PlaceMarketOrder(ctx, it.Symbol, side, it.Notional)

	case intent.ActionClosePosition:
		return d.adapter.ClosePosition(ctx, it.Symbol)

	case intent.ActionSetLeverage:
		if err := d.adapter.SetLeverage(ctx, it.Symbol, it.Leverage); err != nil {
			return exchange.Fill{}, err
		}
		return exchange.Fill{Symbol: it.Symbol, Timestamp: time.Now().UTC()}, nil

	default:
		return exchange.Fill{}, fmt.Errorf("execution: 动作 %q 不可执行", it.Action)
	}
}

func (d *Dispatcher) record(ctx context.Context, dec risk.Decision, result Result) {
	if d.auditor == nil {
		return
	}

	payload, err := json.Marshal(dec.Intent)
	if err != nil {
		payload = nil
	}

	detail := result.Message
	if result.Outcome == OutcomeExecuted && result.Fill.OrderID != "" {
		detail = fmt.Sprintf("order_id=%s qty=%.6f avg_price=%.4f pnl=%.2f",
			result.Fill.OrderID, result.Fill.Quantity, result.Fill.AvgPrice, result.Fill.RealizedPnL)
	}

	d.auditor.AppendAsyncSafe(ctx, audit.Record{
		CommandID:  dec.ID,
		Account:    dec.Account,
		Stage:      audit.StageExecution,
		Intent:     payload,
		Outcome:    string(result.Outcome),
		Detail:     detail,
		OccurredAt: result.ExecutedAt,
	})
}
