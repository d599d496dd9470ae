package risk

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shadow-olj/a101-ai-trader/internal/config"
	"github.com/shadow-olj/a101-ai-trader/internal/intent"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MaxSingleTrade:   1000,
		MaxLeverage:      20,
		ConfirmThreshold: 500,
		MaxDailyTrades:   50,
		MaxDailyLoss:     5000,
		MinConfidence:    0.5,
	}
}

func newTestEngine(t *testing.T, limits config.LimitsConfig) (*Engine, *Ledger, *Registry) {
	t.Helper()

	db := newTestDB(t)

	ledger, err := NewLedger(db, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	registry, err := NewRegistry(db, 2*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	engine, err := NewEngine(limits, ledger, registry, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return engine, ledger, registry
}

func openIntent(notional float64) intent.Intent {
	return intent.Intent{
		Action:     intent.ActionOpenLong,
		Symbol:     "BTCUSDT",
		Notional:   notional,
		Confidence: 0.9,
	}
}

func TestEvaluate_QueryBypassesAllLimits(t *testing.T) {
	engine, ledger, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	// 把当日亏损和交易次数都打满。
	for i := 0; i < 50; i++ {
		ledger.Reserve("acct")
		if _, err := ledger.Commit(ctx, "acct", -100); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	dec, err := engine.Evaluate(ctx, "acct", intent.Intent{
		Action:     intent.ActionQueryBalance,
		Confidence: 0.9,
	}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected query approved, got %s (%s)", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_InvalidIntentRejectedBeforeState(t *testing.T) {
	engine, _, registry := newTestEngine(t, testLimits())
	ctx := context.Background()

	it := openIntent(800)
	it.Confidence = 0.2

	dec, err := engine.Evaluate(ctx, "acct", it, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonInvalidIntent {
		t.Fatalf("expected InvalidIntent rejection, got %s/%s", dec.Outcome, dec.Reason)
	}

	// 低置信度的大额指令不应留下待确认记录。
	it.Confidence = 0.9
	if _, ok, takeErr := registry.Take(ctx, "acct", Signature(it)); takeErr != nil || ok {
		t.Fatalf("expected no pending confirmation, ok=%v err=%v", ok, takeErr)
	}
}

func TestEvaluate_UnknownActionRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t, testLimits())

	dec, err := engine.Evaluate(context.Background(), "acct", intent.Intent{
		Action:     intent.ActionUnknown,
		Confidence: 0.9,
	}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonInvalidIntent {
		t.Fatalf("expected InvalidIntent rejection, got %s/%s", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_TradeSizeCeilingInclusive(t *testing.T) {
	engine, _, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	// 恰好等于上限：不触发超限，但超过确认阈值。
	dec, err := engine.Evaluate(ctx, "acct", openIntent(1000), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("expected confirmation at exactly max, got %s (%s)", dec.Outcome, dec.Reason)
	}

	dec, err = engine.Evaluate(ctx, "acct", openIntent(1000.01), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonTradeSizeExceeded {
		t.Fatalf("expected TradeSizeExceeded above max, got %s/%s", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_ConfirmThresholdInclusive(t *testing.T) {
	engine, ledger, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	dec, err := engine.Evaluate(ctx, "acct", openIntent(499.99), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected approval below threshold, got %s (%s)", dec.Outcome, dec.Reason)
	}
	if got := ledger.Reserved("acct"); got != 1 {
		t.Fatalf("expected 1 reservation after approval, got %d", got)
	}

	dec, err = engine.Evaluate(ctx, "acct", openIntent(500), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRequiresConfirmation || dec.Reason != ReasonConfirmationRequired {
		t.Fatalf("expected confirmation at threshold, got %s/%s", dec.Outcome, dec.Reason)
	}
	if got := ledger.Reserved("acct"); got != 1 {
		t.Fatalf("requires_confirmation must not reserve, got %d", got)
	}
}

func TestEvaluate_LeverageCeiling(t *testing.T) {
	engine, _, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	it := openIntent(100)
	it.Leverage = 20
	dec, err := engine.Evaluate(ctx, "acct", it, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected approval at max leverage, got %s (%s)", dec.Outcome, dec.Reason)
	}

	it.Leverage = 21
	dec, err = engine.Evaluate(ctx, "acct", it, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonLeverageExceeded {
		t.Fatalf("expected LeverageExceeded, got %s/%s", dec.Outcome, dec.Reason)
	}

	setLev := intent.Intent{
		Action:     intent.ActionSetLeverage,
		Symbol:     "BTCUSDT",
		Leverage:   25,
		Confidence: 0.9,
	}
	dec, err = engine.Evaluate(ctx, "acct", setLev, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonLeverageExceeded {
		t.Fatalf("expected set_leverage LeverageExceeded, got %s/%s", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_ConfirmationConsumedOnce(t *testing.T) {
	engine, ledger, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	it := openIntent(750)

	dec, err := engine.Evaluate(ctx, "acct", it, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("expected confirmation request, got %s", dec.Outcome)
	}

	dec, err = engine.Evaluate(ctx, "acct", it, true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected approval on confirm, got %s (%s)", dec.Outcome, dec.Reason)
	}
	if got := ledger.Reserved("acct"); got != 1 {
		t.Fatalf("expected reservation after confirmed approval, got %d", got)
	}

	// 同一确认不能使用第二次。
	dec, err = engine.Evaluate(ctx, "acct", it, true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("expected fresh confirmation request after consume, got %s", dec.Outcome)
	}
}

func TestEvaluate_ConfirmRequiresMatchingSignature(t *testing.T) {
	engine, _, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	if dec, err := engine.Evaluate(ctx, "acct", openIntent(750), false); err != nil || dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("setup failed: %v %v", dec.Outcome, err)
	}

	// 金额变了，签名不同，确认无效并生成新的待确认记录。
	dec, err := engine.Evaluate(ctx, "acct", openIntent(800), true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("expected confirmation for changed signature, got %s", dec.Outcome)
	}

	// 原签名仍可确认。
	dec, err = engine.Evaluate(ctx, "acct", openIntent(750), true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected original signature to confirm, got %s (%s)", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_ExpiredConfirmationEqualsAbsent(t *testing.T) {
	engine, _, registry := newTestEngine(t, testLimits())
	ctx := context.Background()

	it := openIntent(750)
	if dec, err := engine.Evaluate(ctx, "acct", it, false); err != nil || dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("setup failed: %v %v", dec.Outcome, err)
	}

	base := time.Now()
	registry.now = func() time.Time { return base.Add(3 * time.Minute) }

	dec, err := engine.Evaluate(ctx, "acct", it, true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRequiresConfirmation {
		t.Fatalf("expected expired confirmation to restart gate, got %s", dec.Outcome)
	}

	// 过期后的重提登记了新记录，可以正常确认。
	dec, err = engine.Evaluate(ctx, "acct", it, true)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected re-registered confirmation to approve, got %s (%s)", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_DailyTradeCountGate(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 2
	engine, ledger, _ := newTestEngine(t, limits)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ledger.Reserve("acct")
		if _, err := ledger.Commit(ctx, "acct", 0); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	dec, err := engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonDailyTradeCountExceeded {
		t.Fatalf("expected DailyTradeCountExceeded, got %s/%s", dec.Outcome, dec.Reason)
	}

	// 其他账户不受影响。
	dec, err = engine.Evaluate(ctx, "other", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected other account approved, got %s (%s)", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_ReservationsCountTowardDailyLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 1
	engine, _, _ := newTestEngine(t, limits)
	ctx := context.Background()

	dec, err := engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected first approval, got %s (%s)", dec.Outcome, dec.Reason)
	}

	// 第一笔尚未落账，但在途预占必须挡住第二笔。
	dec, err = engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonDailyTradeCountExceeded {
		t.Fatalf("expected in-flight reservation to block, got %s/%s", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_DailyLossGateIsRatchet(t *testing.T) {
	engine, ledger, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	ledger.Reserve("acct")
	if _, err := ledger.Commit(ctx, "acct", -5000); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dec, err := engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonDailyLossExceeded {
		t.Fatalf("expected DailyLossExceeded, got %s/%s", dec.Outcome, dec.Reason)
	}

	// 盈利不冲抵当日已累计的亏损。
	ledger.Reserve("acct")
	if _, err := ledger.Commit(ctx, "acct", 3000); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dec, err = engine.Evaluate(ctx, "acct", intent.Intent{
		Action:     intent.ActionClosePosition,
		Symbol:     "BTCUSDT",
		Confidence: 0.9,
	}, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonDailyLossExceeded {
		t.Fatalf("expected loss ratchet to hold, got %s/%s", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_CountersResetOnNewUTCDay(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 1
	engine, ledger, _ := newTestEngine(t, limits)
	ctx := context.Background()

	ledger.Reserve("acct")
	if _, err := ledger.Commit(ctx, "acct", -6000); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if dec, _ := engine.Evaluate(ctx, "acct", openIntent(100), false); dec.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection on saturated day, got %s", dec.Outcome)
	}

	base := time.Now()
	ledger.now = func() time.Time { return base.AddDate(0, 0, 1) }

	dec, err := engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected fresh counters next day, got %s (%s)", dec.Outcome, dec.Reason)
	}
	if dec.Usage.TradesExecuted != 0 || dec.Usage.RealizedLoss != 0 {
		t.Fatalf("expected zero usage snapshot next day, got %+v", dec.Usage)
	}
}

func TestEvaluate_SetLeverageGatedButDoesNotConsumeSlot(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 1
	engine, ledger, _ := newTestEngine(t, limits)
	ctx := context.Background()

	setLev := intent.Intent{
		Action:     intent.ActionSetLeverage,
		Symbol:     "BTCUSDT",
		Leverage:   10,
		Confidence: 0.9,
	}

	dec, err := engine.Evaluate(ctx, "acct", setLev, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected set_leverage approved, got %s (%s)", dec.Outcome, dec.Reason)
	}
	if got := ledger.Reserved("acct"); got != 0 {
		t.Fatalf("set_leverage must not reserve a trade slot, got %d", got)
	}

	// 额度仍然完整，开仓可用。
	dec, err = engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeApproved {
		t.Fatalf("expected open approved after set_leverage, got %s (%s)", dec.Outcome, dec.Reason)
	}

	// 额度耗尽后 set_leverage 同样被当日闸门拦下。
	if _, err := ledger.Commit(ctx, "acct", 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	dec, err = engine.Evaluate(ctx, "acct", setLev, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Outcome != OutcomeRejected || dec.Reason != ReasonDailyTradeCountExceeded {
		t.Fatalf("expected set_leverage blocked by count gate, got %s/%s", dec.Outcome, dec.Reason)
	}
}

func TestEvaluate_ConcurrentApprovalsNeverOvershoot(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 3
	engine, ledger, _ := newTestEngine(t, limits)
	ctx := context.Background()

	// 当日已有1笔，剩余2个名额。
	ledger.Reserve("acct")
	if _, err := ledger.Commit(ctx, "acct", 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	outcomes := make([]Outcome, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			dec, err := engine.Evaluate(ctx, "acct", openIntent(100), false)
			if err != nil {
				t.Errorf("Evaluate: %v", err)
				return
			}
			outcomes[idx] = dec.Outcome
		}(i)
	}
	wg.Wait()

	approved := 0
	for _, outcome := range outcomes {
		if outcome == OutcomeApproved {
			approved++
		}
	}

	if approved != 2 {
		t.Fatalf("expected exactly 2 concurrent approvals, got %d", approved)
	}
	if got := ledger.Reserved("acct"); got != 2 {
		t.Fatalf("expected 2 reservations, got %d", got)
	}
}

func TestEvaluate_DecisionCarriesUsageSnapshot(t *testing.T) {
	engine, ledger, _ := newTestEngine(t, testLimits())
	ctx := context.Background()

	ledger.Reserve("acct")
	if _, err := ledger.Commit(ctx, "acct", -150); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dec, err := engine.Evaluate(ctx, "acct", openIntent(100), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.ID == "" {
		t.Fatalf("expected decision id")
	}
	if dec.Usage.TradesExecuted != 1 || dec.Usage.RealizedLoss != 150 {
		t.Fatalf("unexpected usage snapshot: %+v", dec.Usage)
	}
}
