package predict

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/store"
)

// HistoryEntry 为一条历史预测记录。
// ActualDirection 在结果回填前为空字符串。
type HistoryEntry struct {
	ID              int64     `json:"id"`
	Symbol          string    `json:"symbol"`
	Direction       string    `json:"prediction"`
	Confidence      float64   `json:"confidence"`
	PriceCurrent    float64   `json:"price_at_prediction"`
	PredictedHigh   float64   `json:"predicted_high"`
	PredictedLow    float64   `json:"predicted_low"`
	ActualDirection string    `json:"actual_direction,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AccuracyStats 为近期预测准确率统计。
// 准确率只统计已回填结果的记录。
type AccuracyStats struct {
	TotalPredictions int     `json:"total_predictions"`
	Accuracy         float64 `json:"accuracy"`
	BullishAccuracy  float64 `json:"bullish_accuracy"`
	BearishAccuracy  float64 `json:"bearish_accuracy"`
	AvgConfidence    float64 `json:"avg_confidence"`
}

// History 持久化预测记录并计算准确率反馈。
type History struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewHistory 创建预测历史存储并初始化表结构。
func NewHistory(store *store.Store, logger *zap.Logger) (*History, error) {
	if store == nil {
		return nil, fmt.Errorf("predict: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &History{
		db:     store.DB(),
		logger: logger,
		now:    time.Now,
	}

	if err := h.initSchema(); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *History) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS prediction_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	confidence REAL NOT NULL,
	price_current REAL NOT NULL,
	predicted_high REAL NOT NULL,
	predicted_low REAL NOT NULL,
	actual_direction TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prediction_history_symbol ON prediction_history(symbol, created_at);
`
	if _, err := h.db.Exec(stmt); err != nil {
		return fmt.Errorf("predict: 初始化预测历史表失败: %w", err)
	}
	return nil
}

// Save 写入一条预测记录。
func (h *History) Save(ctx context.Context, entry HistoryEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = h.now().UTC()
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO prediction_history (symbol, direction, confidence, price_current, predicted_high, predicted_low, actual_direction, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Symbol, entry.Direction, entry.Confidence,
		entry.PriceCurrent, entry.PredictedHigh, entry.PredictedLow,
		nullable(entry.ActualDirection), createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("predict: 保存预测记录失败: %w", err)
	}

	return nil
}

// RecordOutcome 回填某条预测的实际走向。
func (h *History) RecordOutcome(ctx context.Context, id int64, actualDirection string) error {
	res, err := h.db.ExecContext(ctx,
		`UPDATE prediction_history SET actual_direction = ? WHERE id = ?`,
		actualDirection, id,
	)
	if err != nil {
		return fmt.Errorf("predict: 回填预测结果失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("predict: 读取回填行数失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("predict: 预测记录 %d 不存在", id)
	}

	return nil
}

// Recent 返回某交易对最近 lookbackDays 天的预测记录，最新的在后。
func (h *History) Recent(ctx context.Context, symbol string, lookbackDays int) ([]HistoryEntry, error) {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	cutoff := h.now().UTC().AddDate(0, 0, -lookbackDays).Format(time.RFC3339)

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, symbol, direction, confidence, price_current, predicted_high, predicted_low, actual_direction, created_at
		 FROM prediction_history WHERE symbol = ? AND created_at >= ? ORDER BY id ASC`,
		symbol, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("predict: 查询预测历史失败: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry   HistoryEntry
			actual  sql.NullString
			created string
		)
		if scanErr := rows.Scan(&entry.ID, &entry.Symbol, &entry.Direction, &entry.Confidence,
			&entry.PriceCurrent, &entry.PredictedHigh, &entry.PredictedLow, &actual, &created); scanErr != nil {
			return nil, fmt.Errorf("predict: 解析预测记录失败: %w", scanErr)
		}

		entry.ActualDirection = actual.String
		if ts, parseErr := time.Parse(time.RFC3339, created); parseErr == nil {
			entry.CreatedAt = ts
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("predict: 读取预测历史失败: %w", err)
	}

	return entries, nil
}

// Accuracy 计算某交易对近期的预测准确率。
func (h *History) Accuracy(ctx context.Context, symbol string, lookbackDays int) (AccuracyStats, error) {
	entries, err := h.Recent(ctx, symbol, lookbackDays)
	if err != nil {
		return AccuracyStats{}, err
	}

	stats := AccuracyStats{TotalPredictions: len(entries)}
	if len(entries) == 0 {
		return stats, nil
	}

	var (
		scored         int
		correct        int
		bullishTotal   int
		bullishCorrect int
		bearishTotal   int
		bearishCorrect int
		confidenceSum  float64
	)

	for _, entry := range entries {
		confidenceSum += entry.Confidence
		if entry.ActualDirection == "" {
			continue
		}

		scored++
		if entry.Direction == entry.ActualDirection {
			correct++
		}

		switch entry.Direction {
		case "bullish":
			bullishTotal++
			if entry.ActualDirection == "bullish" {
				bullishCorrect++
			}
		case "bearish":
			bearishTotal++
			if entry.ActualDirection == "bearish" {
				bearishCorrect++
			}
		}
	}

	stats.AvgConfidence = confidenceSum / float64(len(entries))
	if scored > 0 {
		stats.Accuracy = float64(correct) / float64(scored) * 100
	}
	if bullishTotal > 0 {
		stats.BullishAccuracy = float64(bullishCorrect) / float64(bullishTotal) * 100
	}
	if bearishTotal > 0 {
		stats.BearishAccuracy = float64(bearishCorrect) / float64(bearishTotal) * 100
	}

	return stats, nil
}

// FeedbackPrompt 依据历史表现生成反馈文本，拼入预测提示词。
func (h *History) FeedbackPrompt(ctx context.Context, symbol string, lookbackDays int) (string, error) {
	entries, err := h.Recent(ctx, symbol, lookbackDays)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No historical prediction data available.", nil
	}

	stats, err := h.Accuracy(ctx, symbol, lookbackDays)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Historical Performance Analysis for %s:\n\n", symbol)
	fmt.Fprintf(&b, "- Total Predictions: %d\n", stats.TotalPredictions)
	fmt.Fprintf(&b, "- Overall Accuracy: %.1f%%\n", stats.Accuracy)
	fmt.Fprintf(&b, "- Bullish Prediction Accuracy: %.1f%%\n", stats.BullishAccuracy)
	fmt.Fprintf(&b, "- Bearish Prediction Accuracy: %.1f%%\n", stats.BearishAccuracy)
	fmt.Fprintf(&b, "- Average Confidence: %.0f%%\n", stats.AvgConfidence*100)

	b.WriteString("\nRecent Predictions:\n")
	tail := entries
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, entry := range tail {
		fmt.Fprintf(&b, "- %s: Predicted %s (confidence: %.0f%%)",
			entry.CreatedAt.Format("2006-01-02 15:04"), entry.Direction, entry.Confidence*100)
		if entry.ActualDirection != "" {
			mark := "incorrect"
			if entry.ActualDirection == entry.Direction {
				mark = "correct"
			}
			fmt.Fprintf(&b, " -> Actual: %s (%s)", entry.ActualDirection, mark)
		}
		b.WriteString("\n")
	}

	switch {
	case stats.Accuracy > 60:
		b.WriteString("\nStrong prediction accuracy. Continue current analysis approach.")
	case stats.Accuracy > 0 && stats.Accuracy < 40:
		b.WriteString("\nLow accuracy. Consider adjusting analysis methodology.")
	}

	return b.String(), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
