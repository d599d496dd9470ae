package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/store"
)

// Service 负责持久化审计记录。
// 记录只追加不修改，是每条指令从决策到执行的完整留痕。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	account TEXT NOT NULL,
	stage TEXT NOT NULL,
	intent_json TEXT,
	outcome TEXT NOT NULL,
	reason TEXT,
	detail TEXT,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_account ON audit_records(account);
CREATE INDEX IF NOT EXISTS idx_audit_records_command ON audit_records(command_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Append 写入单条审计记录。
func (s *Service) Append(ctx context.Context, rec Record) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (command_id, account, stage, intent_json, outcome, reason, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.Account, string(rec.Stage), string(rec.Intent),
		rec.Outcome, rec.Reason, rec.Detail, rec.OccurredAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入审计记录失败: %w", err)
	}

	return nil
}

// AppendAsyncSafe 写入记录并把失败降级为告警日志。
// 审计失败不应阻断指令主流程。
func (s *Service) AppendAsyncSafe(ctx context.Context, rec Record) {
	if err := s.Append(ctx, rec); err != nil {
		s.logger.Warn("写入审计记录失败",
			zap.String("command_id", rec.CommandID),
			zap.String("stage", string(rec.Stage)),
			zap.Error(err),
		)
	}
}

// List 按账户检索最近的审计记录，最新的在前。
func (s *Service) List(ctx context.Context, account string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, command_id, account, stage, intent_json, outcome, reason, detail, occurred_at FROM audit_records`
	args := make([]interface{}, 0, 2)
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询审计记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			rec        Record
			stage      string
			intentJSON sql.NullString
			reason     sql.NullString
			detail     sql.NullString
			occurred   string
		)
		if scanErr := rows.Scan(&rec.ID, &rec.CommandID, &rec.Account, &stage,
			&intentJSON, &rec.Outcome, &reason, &detail, &occurred); scanErr != nil {
			return nil, fmt.Errorf("audit: 解析审计记录失败: %w", scanErr)
		}

		rec.Stage = Stage(stage)
		if intentJSON.Valid && intentJSON.String != "" {
			rec.Intent = json.RawMessage(intentJSON.String)
		}
		rec.Reason = reason.String
		rec.Detail = detail.String

		ts, parseErr := time.Parse(time.RFC3339, occurred)
		if parseErr != nil {
			ts = time.Now().UTC()
		}
		rec.OccurredAt = ts

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 读取审计记录失败: %w", err)
	}

	return records, nil
}

// ListByCommand 检索某条指令的全部留痕，按发生顺序返回。
func (s *Service) ListByCommand(ctx context.Context, commandID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, account, stage, intent_json, outcome, reason, detail, occurred_at
		 FROM audit_records WHERE command_id = ? ORDER BY id ASC`,
		commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询指令留痕失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			stage      string
			intentJSON sql.NullString
			reason     sql.NullString
			detail     sql.NullString
			occurred   string
		)
		if scanErr := rows.Scan(&rec.ID, &rec.CommandID, &rec.Account, &stage,
			&intentJSON, &rec.Outcome, &reason, &detail, &occurred); scanErr != nil {
			return nil, fmt.Errorf("audit: 解析审计记录失败: %w", scanErr)
		}

		rec.Stage = Stage(stage)
		if intentJSON.Valid && intentJSON.String != "" {
			rec.Intent = json.RawMessage(intentJSON.String)
		}
		rec.Reason = reason.String
		rec.Detail = detail.String

		if ts, parseErr := time.Parse(time.RFC3339, occurred); parseErr == nil {
			rec.OccurredAt = ts
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 读取指令留痕失败: %w", err)
	}

	return records, nil
}
