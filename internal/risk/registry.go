package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/intent"
)

// Registry 保存等待二次确认的交易意图。
// 同一账户同一签名至多一条记录，重复提交刷新时间戳而不是追加。
// 条目通过被动过期销毁：超过 TTL 的记录在 Take 时视为不存在并顺手清除。
type Registry struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry 创建确认登记表并初始化表结构。
func NewRegistry(db *sql.DB, ttl time.Duration, logger *zap.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if ttl <= 0 {
		return nil, errors.New("risk: 确认TTL必须大于0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := &Registry{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}

	if err := registry.initSchema(); err != nil {
		return nil, err
	}

	return registry, nil
}

func (r *Registry) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS pending_confirmations (
	account TEXT NOT NULL,
	signature TEXT NOT NULL,
	intent_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (account, signature)
);`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("risk: 初始化确认表失败: %w", err)
	}
	return nil
}

// Signature 计算意图的确认签名：动作+标的+金额(两位精度)+杠杆。
// 同一签名的重复请求命中同一条待确认记录。
func Signature(it intent.Intent) string {
	return fmt.Sprintf("%s|%s|%.2f|%d", it.Action, it.Symbol, it.Notional, it.Leverage)
}

// Put 登记或刷新一条待确认意图。
func (r *Registry) Put(ctx context.Context, account string, it intent.Intent) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("risk: 序列化意图失败: %w", err)
	}

	createdAt := r.now().UTC().Format(time.RFC3339Nano)

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO pending_confirmations (account, signature, intent_json, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account, signature) DO UPDATE SET intent_json = excluded.intent_json, created_at = excluded.created_at`,
		account, Signature(it), string(payload), createdAt,
	)
	if err != nil {
		return fmt.Errorf("risk: 登记待确认意图失败: %w", err)
	}

	return nil
}

// Take 原子地取出并删除一条待确认意图。
// 记录不存在或已过期时返回 false；过期记录随查找一并清除。
func (r *Registry) Take(ctx context.Context, account, signature string) (intent.Intent, bool, error) {
	var result intent.Intent

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, false, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		payload   string
		createdAt string
	)

	row := tx.QueryRowContext(ctx,
		`SELECT intent_json, created_at FROM pending_confirmations WHERE account = ? AND signature = ?`,
		account, signature,
	)
	switch scanErr := row.Scan(&payload, &createdAt); {
	case scanErr == nil:
	case errors.Is(scanErr, sql.ErrNoRows):
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("risk: 提交事务失败: %w", commitErr)
			return result, false, err
		}
		return result, false, nil
	default:
		err = fmt.Errorf("risk: 查询待确认意图失败: %w", scanErr)
		return result, false, err
	}

	if _, execErr := tx.ExecContext(ctx,
		`DELETE FROM pending_confirmations WHERE account = ? AND signature = ?`,
		account, signature,
	); execErr != nil {
		err = fmt.Errorf("risk: 删除待确认意图失败: %w", execErr)
		return result, false, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		return result, false, err
	}

	ts, parseErr := time.Parse(time.RFC3339Nano, createdAt)
	if parseErr != nil {
		r.logger.Warn("待确认记录时间戳损坏，按过期处理",
			zap.String("account", account),
			zap.String("signature", signature),
			zap.Error(parseErr),
		)
		return result, false, nil
	}

	if r.now().UTC().Sub(ts) > r.ttl {
		r.logger.Debug("待确认记录已过期",
			zap.String("account", account),
			zap.String("signature", signature),
		)
		return result, false, nil
	}

	if unmarshalErr := json.Unmarshal([]byte(payload), &result); unmarshalErr != nil {
		return intent.Intent{}, false, fmt.Errorf("risk: 解析待确认意图失败: %w", unmarshalErr)
	}

	return result, true, nil
}

// ExpireStale 批量清理过期记录，返回清理条数。
// 由后台定时任务调用，避免被放弃的确认在表中堆积。
func (r *Registry) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.ttl).Format(time.RFC3339Nano)

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_confirmations WHERE created_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("risk: 清理过期确认失败: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("risk: 获取清理条数失败: %w", err)
	}

	if removed > 0 {
		r.logger.Debug("已清理过期的待确认记录", zap.Int64("removed", removed))
	}

	return removed, nil
}
