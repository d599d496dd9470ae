package predict

import (
	"context"
	"strings"
	"testing"

	"github.com/shadow-olj/a101-ai-trader/internal/config"
	"github.com/shadow-olj/a101-ai-trader/internal/store"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	history, err := NewHistory(st, nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	return history
}

func TestHistorySaveAndRecent(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()

	entries := []HistoryEntry{
		{Symbol: "BTCUSDT", Direction: "bullish", Confidence: 0.8, PriceCurrent: 50000, PredictedHigh: 52000, PredictedLow: 49000},
		{Symbol: "BTCUSDT", Direction: "bearish", Confidence: 0.6, PriceCurrent: 51000, PredictedHigh: 51500, PredictedLow: 48000},
		{Symbol: "ETHUSDT", Direction: "neutral", Confidence: 0.5, PriceCurrent: 3000, PredictedHigh: 3100, PredictedLow: 2900},
	}
	for _, entry := range entries {
		if err := history.Save(ctx, entry); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	recent, err := history.Recent(ctx, "BTCUSDT", 7)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 BTCUSDT entries, got %d", len(recent))
	}
	if recent[0].Direction != "bullish" || recent[1].Direction != "bearish" {
		t.Fatalf("expected chronological order, got %+v", recent)
	}
}

func TestHistoryAccuracyCountsScoredEntriesOnly(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()

	for _, entry := range []HistoryEntry{
		{Symbol: "BTCUSDT", Direction: "bullish", Confidence: 0.8},
		{Symbol: "BTCUSDT", Direction: "bullish", Confidence: 0.7},
		{Symbol: "BTCUSDT", Direction: "bearish", Confidence: 0.6},
	} {
		if err := history.Save(ctx, entry); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	recent, err := history.Recent(ctx, "BTCUSDT", 7)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	// 回填前两条：一对一错；第三条未回填，不参与准确率。
	if err := history.RecordOutcome(ctx, recent[0].ID, "bullish"); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := history.RecordOutcome(ctx, recent[1].ID, "bearish"); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	stats, err := history.Accuracy(ctx, "BTCUSDT", 7)
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if stats.TotalPredictions != 3 {
		t.Fatalf("expected 3 total, got %d", stats.TotalPredictions)
	}
	if stats.Accuracy != 50 {
		t.Fatalf("expected 50%% accuracy, got %.1f", stats.Accuracy)
	}
	if stats.BullishAccuracy != 50 {
		t.Fatalf("expected 50%% bullish accuracy, got %.1f", stats.BullishAccuracy)
	}
}

func TestHistoryRecordOutcomeUnknownID(t *testing.T) {
	history := newTestHistory(t)

	if err := history.RecordOutcome(context.Background(), 999, "bullish"); err == nil {
		t.Fatalf("expected error for unknown prediction id")
	}
}

func TestHistoryFeedbackPrompt(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()

	feedback, err := history.FeedbackPrompt(ctx, "BTCUSDT", 7)
	if err != nil {
		t.Fatalf("FeedbackPrompt: %v", err)
	}
	if !strings.Contains(feedback, "No historical prediction data") {
		t.Fatalf("expected empty-history message, got %s", feedback)
	}

	if err := history.Save(ctx, HistoryEntry{Symbol: "BTCUSDT", Direction: "bullish", Confidence: 0.8}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	feedback, err = history.FeedbackPrompt(ctx, "BTCUSDT", 7)
	if err != nil {
		t.Fatalf("FeedbackPrompt: %v", err)
	}
	if !strings.Contains(feedback, "Total Predictions: 1") {
		t.Fatalf("expected stats in feedback, got %s", feedback)
	}
	if !strings.Contains(feedback, "Predicted bullish") {
		t.Fatalf("expected recent predictions listed, got %s", feedback)
	}
}
