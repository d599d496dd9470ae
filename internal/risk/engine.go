package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/config"
	"github.com/shadow-olj/a101-ai-trader/internal/intent"
)

// Engine 是风控决策引擎：给定意图与账户，产出放行/待确认/拒绝三种结论。
// 同一账户的评估在账户锁内串行执行，读-判-写构成原子单元；
// 不同账户互不阻塞。评估本身不做任何外部IO之外的阻塞调用。
type Engine struct {
	limits   config.LimitsConfig
	ledger   *Ledger
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine 创建风控决策引擎。
func NewEngine(limits config.LimitsConfig, ledger *Ledger, registry *Registry, logger *zap.Logger) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("risk: ledger 不能为空")
	}
	if registry == nil {
		return nil, errors.New("risk: registry 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		limits:   limits,
		ledger:   ledger,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Ledger 返回引擎持有的日用量账本。
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Limits 返回引擎生效的限额配置。
func (e *Engine) Limits() config.LimitsConfig {
	return e.limits
}

func (e *Engine) accountLock(account string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[account]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[account] = lock
	}
	return lock
}

// Evaluate 按固定顺序执行限额规则，第一条命中的规则决定结论。
// confirm 为 true 表示用户在显式重提一条此前被要求确认的指令。
// 副作用仅限：RequiresConfirmation 时登记待确认记录、
// 确认重提时消费该记录、放行计数交易时预占当日额度。
func (e *Engine) Evaluate(ctx context.Context, account string, it intent.Intent, confirm bool) (Decision, error) {
	decision := Decision{
		ID:          uuid.NewString(),
		Account:     account,
		Intent:      it,
		EvaluatedAt: e.now().UTC(),
	}

	// 规则0：不完整或不可信的意图直接拒绝，不触碰账本与登记表。
	if err := it.Validate(e.limits.MinConfidence); err != nil {
		decision.Outcome = OutcomeRejected
		decision.Reason = ReasonInvalidIntent
		decision.Message = err.Error()
		return decision, nil
	}

	// 规则1：只读查询无条件放行，不受任何限额约束。
	if it.Action.IsQuery() {
		decision.Outcome = OutcomeApproved
		return decision, nil
	}

	lock := e.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := e.ledger.Snapshot(ctx, account)
	if err != nil {
		return Decision{}, err
	}
	decision.Usage = snapshot

	if it.Action.IsPositionChanging() {
		// 规则2：当日累计亏损触顶后封禁所有改变仓位的动作。
		if snapshot.RealizedLoss >= e.limits.MaxDailyLoss {
			decision.Outcome = OutcomeRejected
			decision.Reason = ReasonDailyLossExceeded
			decision.Message = fmt.Sprintf("Daily loss limit ($%.2f) reached", e.limits.MaxDailyLoss)
			return decision, nil
		}

		// 规则3：当日交易次数触顶后封禁，已放行在途的预占一并计入，
		// 保证并发放行不会联合超出额度。
		if snapshot.TradesExecuted+e.ledger.Reserved(account) >= e.limits.MaxDailyTrades {
			decision.Outcome = OutcomeRejected
			decision.Reason = ReasonDailyTradeCountExceeded
			decision.Message = fmt.Sprintf("Daily trade limit (%d) reached", e.limits.MaxDailyTrades)
			return decision, nil
		}
	}

	// 规则4：杠杆上限。
	if it.Action.ChecksLeverage() && it.Leverage > 0 && it.Leverage > e.limits.MaxLeverage {
		decision.Outcome = OutcomeRejected
		decision.Reason = ReasonLeverageExceeded
		decision.Message = fmt.Sprintf("Leverage %dx exceeds maximum %dx", it.Leverage, e.limits.MaxLeverage)
		return decision, nil
	}

	if it.Action.ChecksNotional() {
		// 规则5：单笔金额硬上限，确认无法豁免，上限本身含等值。
		if it.Notional > e.limits.MaxSingleTrade {
			decision.Outcome = OutcomeRejected
			decision.Reason = ReasonTradeSizeExceeded
			decision.Message = fmt.Sprintf("Trade amount $%.2f exceeds maximum $%.2f", it.Notional, e.limits.MaxSingleTrade)
			return decision, nil
		}

		// 规则6：达到确认阈值（含等值）需要二次确认。
		// 携带 confirm 且命中未过期的同签名记录时消费该记录并放行；
		// 否则登记（或刷新）待确认记录。
		if it.Notional >= e.limits.ConfirmThreshold {
			signature := Signature(it)

			if confirm {
				_, ok, takeErr := e.registry.Take(ctx, account, signature)
				if takeErr != nil {
					return Decision{}, takeErr
				}
				if ok {
					return e.approve(decision, it), nil
				}
				// 过期或从未登记：与从未存在过的记录等价，重新走确认闸门。
			}

			if putErr := e.registry.Put(ctx, account, it); putErr != nil {
				return Decision{}, putErr
			}

			decision.Outcome = OutcomeRequiresConfirmation
			decision.Reason = ReasonConfirmationRequired
			decision.Message = fmt.Sprintf("Large trade detected ($%.2f). Please confirm to proceed.", it.Notional)
			return decision, nil
		}
	}

	// 规则7：其余情况放行。
	return e.approve(decision, it), nil
}

func (e *Engine) approve(decision Decision, it intent.Intent) Decision {
	decision.Outcome = OutcomeApproved

	if it.Action.CountsTrade() {
		e.ledger.Reserve(decision.Account)
	}

	e.logger.Debug("风控放行",
		zap.String("account", decision.Account),
		zap.String("action", string(it.Action)),
		zap.Float64("notional", it.Notional),
	)

	return decision
}
