package risk

import (
	"context"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	ledger, err := NewLedger(newTestDB(t), nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return ledger
}

func TestLedgerSnapshotZeroWithoutHistory(t *testing.T) {
	ledger := newTestLedger(t)

	snapshot, err := ledger.Snapshot(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.TradesExecuted != 0 || snapshot.RealizedLoss != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snapshot)
	}
	if snapshot.Account != "acct" || snapshot.UsageDate == "" {
		t.Fatalf("expected identity fields populated, got %+v", snapshot)
	}
}

func TestLedgerCommitAccumulatesLossOnly(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	snapshot, err := ledger.Commit(ctx, "acct", -100)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if snapshot.TradesExecuted != 1 || snapshot.RealizedLoss != 100 {
		t.Fatalf("unexpected snapshot after loss: %+v", snapshot)
	}

	// 盈利计数但不冲抵亏损。
	snapshot, err = ledger.Commit(ctx, "acct", 250)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if snapshot.TradesExecuted != 2 || snapshot.RealizedLoss != 100 {
		t.Fatalf("profit must not offset loss: %+v", snapshot)
	}

	snapshot, err = ledger.Commit(ctx, "acct", -50)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if snapshot.TradesExecuted != 3 || snapshot.RealizedLoss != 150 {
		t.Fatalf("unexpected accumulated snapshot: %+v", snapshot)
	}
}

func TestLedgerReserveReleaseNeverNegative(t *testing.T) {
	ledger := newTestLedger(t)

	ledger.Reserve("acct")
	ledger.Reserve("acct")
	if got := ledger.Reserved("acct"); got != 2 {
		t.Fatalf("expected 2 reservations, got %d", got)
	}

	ledger.Release("acct")
	ledger.Release("acct")
	ledger.Release("acct")
	if got := ledger.Reserved("acct"); got != 0 {
		t.Fatalf("expected reservations floor at 0, got %d", got)
	}
}

func TestLedgerCommitReleasesReservation(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	ledger.Reserve("acct")
	if _, err := ledger.Commit(ctx, "acct", 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := ledger.Reserved("acct"); got != 0 {
		t.Fatalf("expected commit to release reservation, got %d", got)
	}
}

func TestLedgerCountersKeyedByUTCDay(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 23, 50, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }

	if _, err := ledger.Commit(ctx, "acct", -100); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// 跨过UTC午夜后计数归零。
	ledger.now = func() time.Time { return base.Add(15 * time.Minute) }

	snapshot, err := ledger.Snapshot(ctx, "acct")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.UsageDate != "2026-08-29" {
		t.Fatalf("expected next usage date, got %s", snapshot.UsageDate)
	}
	if snapshot.TradesExecuted != 0 || snapshot.RealizedLoss != 0 {
		t.Fatalf("expected fresh counters after rollover, got %+v", snapshot)
	}

	// 前一日的记录保持不变。
	ledger.now = func() time.Time { return base }
	snapshot, err = ledger.Snapshot(ctx, "acct")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.TradesExecuted != 1 || snapshot.RealizedLoss != 100 {
		t.Fatalf("expected previous day intact, got %+v", snapshot)
	}
}

func TestLedgerAccountsAreIndependent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Commit(ctx, "a", -100); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snapshot, err := ledger.Snapshot(ctx, "b")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.TradesExecuted != 0 || snapshot.RealizedLoss != 0 {
		t.Fatalf("expected account b untouched, got %+v", snapshot)
	}
}
