package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const usageDateLayout = "2006-01-02"

// Ledger 维护每个账户按 UTC 日滚动的用量计数：
// 当日已成交笔数与当日累计已实现亏损。
// 计数行以 (account, usage_date) 为主键，跨日自然归零，不做回溯清理。
// 亏损只进不出：盈利不会冲抵当日已累计的亏损。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	reserved map[string]int
}

// NewLedger 创建日用量账本并初始化表结构。
func NewLedger(db *sql.DB, logger *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ledger := &Ledger{
		db:       db,
		logger:   logger,
		now:      time.Now,
		reserved: make(map[string]int),
	}

	if err := ledger.initSchema(); err != nil {
		return nil, err
	}

	return ledger, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_usage (
			account TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			trades_executed INTEGER NOT NULL DEFAULT 0,
			realized_loss REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account, usage_date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_daily_usage_date ON risk_daily_usage(usage_date);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化用量表失败: %w", err)
		}
	}

	return nil
}

// Snapshot 返回账户当日的用量快照，无记录时返回全零。
func (l *Ledger) Snapshot(ctx context.Context, account string) (UsageSnapshot, error) {
	today := l.usageDate()

	snapshot := UsageSnapshot{
		Account:   account,
		UsageDate: today,
	}

	row := l.db.QueryRowContext(ctx,
		`SELECT trades_executed, realized_loss FROM risk_daily_usage WHERE account = ? AND usage_date = ?`,
		account, today,
	)
	switch err := row.Scan(&snapshot.TradesExecuted, &snapshot.RealizedLoss); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
	default:
		return UsageSnapshot{}, fmt.Errorf("risk: 查询当日用量失败: %w", err)
	}

	return snapshot, nil
}

// Reserved 返回账户当前被放行但尚未落账的在途笔数。
func (l *Ledger) Reserved(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved[account]
}

// Reserve 为一次已放行、待执行的交易预占一个当日额度。
// 预占只存在于内存中：进程重启时在途执行已不可追踪，持久化没有意义。
func (l *Ledger) Reserve(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved[account]++
}

// Release 在执行失败或放弃时退还预占额度。
func (l *Ledger) Release(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved[account] > 0 {
		l.reserved[account]--
	}
	if l.reserved[account] == 0 {
		delete(l.reserved, account)
	}
}

// Commit 在确认成交后落账：交易笔数加一，
// 亏损累计 max(0, -realizedPnL)，盈利不冲抵。
// 先落库再释放预占，并发评估短暂高估额度是可接受的保守行为。
func (l *Ledger) Commit(ctx context.Context, account string, realizedPnL float64) (UsageSnapshot, error) {
	today := l.usageDate()
	now := l.now().UTC().Format(time.RFC3339)

	loss := 0.0
	if realizedPnL < 0 {
		loss = -realizedPnL
	}

	var result UsageSnapshot

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		trades       int
		realizedLoss float64
	)

	row := tx.QueryRowContext(ctx,
		`SELECT trades_executed, realized_loss FROM risk_daily_usage WHERE account = ? AND usage_date = ?`,
		account, today,
	)
	switch scanErr := row.Scan(&trades, &realizedLoss); {
	case scanErr == nil:
		trades++
		realizedLoss += loss
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_usage SET trades_executed = ?, realized_loss = ?, updated_at = ?
			 WHERE account = ? AND usage_date = ?`,
			trades, realizedLoss, now, account, today,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新当日用量失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		trades = 1
		realizedLoss = loss
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_usage (account, usage_date, trades_executed, realized_loss, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			account, today, trades, realizedLoss, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化当日用量失败: %w", execErr)
			return result, err
		}
	default:
		err = fmt.Errorf("risk: 查询当日用量失败: %w", scanErr)
		return result, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		return result, err
	}

	l.Release(account)

	result = UsageSnapshot{
		Account:        account,
		UsageDate:      today,
		TradesExecuted: trades,
		RealizedLoss:   realizedLoss,
	}

	if loss > 0 {
		l.logger.Info("记录当日已实现亏损",
			zap.String("account", account),
			zap.Float64("loss", loss),
			zap.Float64("realized_loss_today", realizedLoss),
		)
	}

	return result, nil
}

func (l *Ledger) usageDate() string {
	return l.now().UTC().Format(usageDateLayout)
}
